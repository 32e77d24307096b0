package credentials

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func resolve(t *testing.T, input string, opts ...ResolverOption) (*Credentials, error) {
	t.Helper()
	return NewResolver(opts...).ResolveReader(context.Background(), strings.NewReader(input))
}

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_TOKEN", "secret123")

	creds, err := resolve(t, `{"auth_token": {{ env "TEST_TOKEN" | json }}}`)
	require.NoError(t, err)
	require.Equal(t, "secret123", creds.AuthToken)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	_, err := resolve(t, `{"auth_token": {{ env "NONEXISTENT_VAR_XYZ" | json }}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefault(t *testing.T) {
	creds, err := resolve(t, `{"auth_token": {{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}}`)
	require.NoError(t, err)
	require.Equal(t, "fallback", creds.AuthToken)

	t.Setenv("TEST_VAR", "actual")
	creds, err = resolve(t, `{"auth_token": {{ envDefault "TEST_VAR" "fallback" | json }}}`)
	require.NoError(t, err)
	require.Equal(t, "actual", creds.AuthToken)
}

func TestResolveReader_FileFunction(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/run/secrets/backend", []byte("file-secret\n"), 0o600))

	creds, err := resolve(t,
		`{"backend": {"host": "api.example.com", "token": {{ file "/run/secrets/backend" | json }}}}`,
		WithFs(fs),
	)
	require.NoError(t, err)
	require.NotNil(t, creds.Backend)
	require.Equal(t, "api.example.com", creds.Backend.Host)
	require.Equal(t, "file-secret", creds.Backend.Token)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	creds, err := resolve(t, `{"auth_token": {{ env "TEST_SPECIAL" | json }}}`)
	require.NoError(t, err)
	require.Equal(t, `value with "quotes" and \backslash`, creds.AuthToken)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{
		"auth_token": {{ mock "same-ref" | json }},
		"backend": {"token": {{ mock "same-ref" | json }}}
	}`
	creds, err := resolve(t, input, WithProvider("mock", mockProvider))
	require.NoError(t, err)
	require.Equal(t, "resolved-same-ref", creds.AuthToken)
	require.Equal(t, "resolved-same-ref", creds.Backend.Token)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_BackendRateLimit(t *testing.T) {
	creds, err := resolve(t, `{"backend": {"host": "cdn.example.com", "rate_limit": 5, "burst": 10}}`)
	require.NoError(t, err)
	require.Equal(t, 5.0, creds.Backend.RateLimit)
	require.Equal(t, 10, creds.Backend.Burst)
}

func TestResolveReader_Validation(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"host with scheme", `{"backend": {"host": "https://api.example.com"}}`, "bare hostname"},
		{"negative rate", `{"backend": {"rate_limit": -1}}`, "rate_limit"},
		{"negative burst", `{"backend": {"burst": -2}}`, "burst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolve(t, tt.input)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	_, err := resolve(t, `{"auth_token": {{ .UndefinedKey }}}`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	_, err := resolve(t, `not valid json`)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_EmptyInput(t *testing.T) {
	creds, err := resolve(t, `{}`)
	require.NoError(t, err)
	require.Empty(t, creds.AuthToken)
	require.Nil(t, creds.Backend)
}

func TestResolveReader_OversizedInput(t *testing.T) {
	_, err := resolve(t, strings.Repeat("x", maxInputSize+1))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_TOKEN", "from-file")
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/chat-cache/creds.json.tmpl",
		[]byte(`{"auth_token": {{ env "TEST_TOKEN" | json }}}`), 0o600))

	creds, err := NewResolver(WithFs(fs)).ResolveFile(context.Background(), "/etc/chat-cache/creds.json.tmpl")
	require.NoError(t, err)
	require.Equal(t, "from-file", creds.AuthToken)
}

func TestResolveFile_NotFound(t *testing.T) {
	_, err := NewResolver(WithFs(afero.NewMemMapFs())).ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}
