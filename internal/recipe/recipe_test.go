package recipe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apex-control-plane/internal/store"
)

func TestForEveryFrameworkProducesARecipe(t *testing.T) {
	frameworks := []store.FrameworkLabel{
		store.FrameworkStreamlit, store.FrameworkGradio, store.FrameworkFlask,
		store.FrameworkFastAPI, store.FrameworkExpress, store.FrameworkReact,
		store.FrameworkNextJS, store.FrameworkStatic,
	}
	for _, fw := range frameworks {
		t.Run(string(fw), func(t *testing.T) {
			r, err := For(fw, "app.py")
			require.NoError(t, err)
			assert.Equal(t, fw, r.Framework)
			assert.NotEmpty(t, r.ContainerRecipe)
			assert.NotEmpty(t, r.LaunchCommand)
			assert.Contains(t, r.ContainerRecipe, "EXPOSE 8080")
		})
	}
}

func TestForUnknownFrameworkErrors(t *testing.T) {
	_, err := For(store.FrameworkUnknown, "app.py")
	assert.Error(t, err)
}

func TestPythonFrameworksGetDefaultManifest(t *testing.T) {
	r, err := For(store.FrameworkFlask, "app.py")
	require.NoError(t, err)
	assert.True(t, strings.Contains(r.DefaultManifest, "flask"))
}

func TestNonPythonFrameworksHaveNoDefaultManifest(t *testing.T) {
	r, err := For(store.FrameworkExpress, "index.js")
	require.NoError(t, err)
	assert.Empty(t, r.DefaultManifest)
}
