package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_BuildsRepositoriesOnce(t *testing.T) {
	f := NewFactory(nil)

	repos := f.GetRepositories()
	require.NotNil(t, repos)
	assert.Same(t, repos, f.GetRepositories())

	assert.NotNil(t, repos.User)
	assert.NotNil(t, repos.Invoices)
	assert.NotNil(t, repos.Billing)
	assert.NotNil(t, repos.Sequences)
	assert.NotNil(t, repos.Tenants)
	assert.Equal(t, repos.User, f.GetUserRepository())
}
