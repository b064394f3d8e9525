package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gorm.io/gorm"

	"github.com/pancsta/asyncfsm/internal/utils"
	amhist "github.com/pancsta/asyncfsm/pkg/history"
	amhistbolt "github.com/pancsta/asyncfsm/pkg/history/bbolt"
	amhistgorm "github.com/pancsta/asyncfsm/pkg/history/gorm"
)

const (
	cliParamBolt      = "bolt"
	cliParamSqlite    = "sqlite"
	cliParamLast      = "last"
	cliParamLastShort = "n"
)

var errNoDb = errors.New("one of --bolt or --sqlite required")

type Params struct {
	Bolt   string
	Sqlite string
	Last   int
}

// RootCmd returns the CLI, printing to [out].
func RootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "fsm-hist",
		Short:        "Inspect stored transition history",
		Version:      utils.GetVersion(),
		SilenceUsage: true,
	}
	AddDbFlags(rootCmd.PersistentFlags())

	machinesCmd := &cobra.Command{
		Use:   "machines",
		Short: "List tracked machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listMachines(out, ParseParams(cmd))
		},
	}

	entriesCmd := &cobra.Command{
		Use:   "entries MACH_ID",
		Short: "List transitions of a machine, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return listEntries(out, ParseParams(cmd), args[0])
		},
	}
	entriesCmd.Flags().IntP(cliParamLast, cliParamLastShort, 0,
		"Show only the last N entries, 0 shows all")

	rootCmd.AddCommand(machinesCmd, entriesCmd)

	return rootCmd
}

func AddDbFlags(f *pflag.FlagSet) {
	f.String(cliParamBolt, "", "Path to a bbolt history DB")
	f.String(cliParamSqlite, "",
		"Name of a SQLite history DB, without the .sqlite extension")
}

func ParseParams(cmd *cobra.Command) Params {
	bolt, _ := cmd.Flags().GetString(cliParamBolt)
	sqlite, _ := cmd.Flags().GetString(cliParamSqlite)
	// only for "entries"
	last, _ := cmd.Flags().GetInt(cliParamLast)

	return Params{
		Bolt:   bolt,
		Sqlite: sqlite,
		Last:   last,
	}
}

func listMachines(out io.Writer, p Params) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tWRITTEN\tFIRST\tLAST")

	switch {
	case p.Bolt != "":
		db, err := amhistbolt.NewDb(p.Bolt)
		if err != nil {
			return err
		}
		defer db.Close()
		recs, err := amhistbolt.ListMachines(db)
		if err != nil {
			return err
		}
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.MachId, r.Written,
				fmtTime(r.FirstTracking), fmtTime(r.LastTracking))
		}

	case p.Sqlite != "":
		return withSqlite(p.Sqlite, func(db *gorm.DB) error {
			recs, err := amhistgorm.ListMachines(db)
			if err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.MachId, r.Written,
					fmtTime(r.FirstTracking), fmtTime(r.LastTracking))
			}

			return nil
		})

	default:
		return errNoDb
	}

	return nil
}

func listEntries(out io.Writer, p Params, machId string) error {
	var entries []amhist.Entry

	switch {
	case p.Bolt != "":
		db, err := amhistbolt.NewDb(p.Bolt)
		if err != nil {
			return err
		}
		defer db.Close()
		entries, err = amhistbolt.ListEntries(db, machId)
		if err != nil {
			return err
		}
		if p.Last > 0 && len(entries) > p.Last {
			entries = entries[len(entries)-p.Last:]
		}

	case p.Sqlite != "":
		err := withSqlite(p.Sqlite, func(db *gorm.DB) error {
			rows, err := amhistgorm.ListEntries(db, machId, p.Last)
			if err != nil {
				return err
			}
			for i := range rows {
				entries = append(entries, rows[i].ToEntry())
			}

			return nil
		})
		if err != nil {
			return err
		}

	default:
		return errNoDb
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "TIME\tEVENT\tFROM\tTO\tKIND")
	for _, e := range entries {
		ev := e.Event
		if e.Spontaneous {
			ev = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", fmtTime(e.Time), ev, e.From,
			e.To, e.Kind)
	}

	return nil
}

func withSqlite(name string, fn func(db *gorm.DB) error) error {
	db, dbSql, err := amhistgorm.NewSqlite(name, false)
	if err != nil {
		return err
	}
	defer dbSql.Close()

	return fn(db)
}

func fmtTime(t time.Time) string {
	return t.Local().Format(time.DateTime + ".000")
}
