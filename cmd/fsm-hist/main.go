// fsm-hist inspects transition history stored by the bbolt and SQLite
// history stores.
//
//	fsm-hist machines --bolt fsmhist.db
//	fsm-hist entries timer --sqlite fsmhist --last 20
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// load .env
	_ = godotenv.Load()

	if err := RootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
