package secretmanager

import (
	"os"

	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the vault client config.LoadConfig reads database, redis,
// flagsmith and chain gateway secrets from. Binaries include it only when
// VAULT_ADDR is set.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func ProvideVault() (*vault.Client, error) {
	client, err := vault.New(
		vault.WithEnvironment(),
	)
	if err != nil {
		return nil, err
	}

	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		if err := client.SetToken(token); err != nil {
			return nil, err
		}
	}

	zap.L().Info("[Vault] client configured", zap.String("addr", os.Getenv("VAULT_ADDR")))
	return client, nil
}
