package toolserver

import (
	"context"
	"os"
	"sort"
	"strings"
)

// SecretEnvPrefix marks environment variables exposed through the secrets
// capability. The daemon's own credentials (API keys) are never under this
// prefix.
const SecretEnvPrefix = "OPENNOVA_SECRET_"

// NewSecretsServer exposes user-provisioned secrets from the environment.
// Secret storage backing beyond the environment is an external concern.
func NewSecretsServer() *Server {
	s := NewServer("secrets")

	s.Add(&Tool{
		Name:        "list_secrets",
		Description: "List available secret names.",
		Schema:      ObjectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			var names []string
			for _, kv := range os.Environ() {
				if !strings.HasPrefix(kv, SecretEnvPrefix) {
					continue
				}
				name, _, _ := strings.Cut(strings.TrimPrefix(kv, SecretEnvPrefix), "=")
				names = append(names, strings.ToLower(name))
			}
			sort.Strings(names)
			return JSON(names), nil
		},
	})

	s.Add(&Tool{
		Name:        "get_secret",
		Description: "Fetch a secret value by name.",
		Schema: ObjectSchema(map[string]any{
			"name": StringProp("Secret name from list_secrets"),
		}, "name"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			name, _ := args["name"].(string)
			if name == "" {
				return Error("name is required"), nil
			}
			v, ok := os.LookupEnv(SecretEnvPrefix + strings.ToUpper(name))
			if !ok {
				return Errorf("no secret named %q", name), nil
			}
			return Text(v), nil
		},
	})

	return s
}
