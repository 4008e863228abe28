package secureenv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildSecureEnvironmentOnlyExplicitKeys(t *testing.T) {
	m := NewManager(map[string]string{
		"DEBUG":   "true",
		"API_KEY": "ctx7sk-abc",
	})

	env := m.BuildSecureEnvironment()

	assert.Equal(t, []string{"API_KEY=ctx7sk-abc", "DEBUG=true"}, env)
}

func TestBuildSecureEnvironmentEmpty(t *testing.T) {
	m := NewManager(nil)
	assert.Nil(t, m.BuildSecureEnvironment())
}
