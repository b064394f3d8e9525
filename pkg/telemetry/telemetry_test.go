package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutils "github.com/pancsta/asyncfsm/internal/testing/utils"
)

func TestNormalizeId(t *testing.T) {
	assert.Equal(t, "foo_bar_baz", NormalizeId("Foo Bar-Baz"))
	assert.Equal(t, "t_testfoo_1", NormalizeId("t-TestFoo/1"))
	assert.Equal(t, "a_b", NormalizeId("a--b"))
}

func TestBindLokiEnvEmpty(t *testing.T) {
	t.Setenv(EnvService, "svc")
	t.Setenv(EnvLokiAddr, "")
	mach := testutils.NewTraffic(t, nil)

	client, err := BindLokiEnv(mach)
	require.NoError(t, err)
	assert.Nil(t, client)
}
