// Package cerberus guards the secrets the audit core depends on, above all
// the salt used to hash patient identifiers.
//
// Secrets are named by reference rather than embedded in configuration:
//
//	env:MNEMOSYNE_PATIENT_SALT        environment variable
//	file:/run/secrets/patient_salt    file contents, trailing newline trimmed
//	ssm:/mnemosyne/prod/patient_salt  AWS SSM Parameter Store, decrypted
//	vault:secret/data/mnemosyne:salt  HashiCorp Vault KV v2 field
//	literal:dev-only-salt             the value itself, for development
//
// Build a resolver from configuration and resolve once at startup:
//
//	p := cerberus.NewSecretProvider(ctx, cfg)
//	salt, err := cerberus.ResolveSalt(ctx, p, "ssm:/mnemosyne/prod/patient_salt")
package cerberus
