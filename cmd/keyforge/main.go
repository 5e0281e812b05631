/*
Copyright 2025 Keymint

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-logr/logr"
	jwtgen "github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"github.com/keymint/keyforge"
	"github.com/keymint/keyforge/fingerprint"
	"github.com/keymint/keyforge/keymat"
	"github.com/keymint/keyforge/logging"
	"github.com/keymint/keyforge/offload"
	"github.com/keymint/keyforge/seedsource"
	"github.com/keymint/keyforge/statserver"
)

const usage = `usage: keyforge <command> [flags]

commands:
  derive   derive key material for a seed source and print the private JWK
  jwks     print the public JWKS for a seed source
  sign     issue an ES256 JWT with the seed source's signing key
  cache    cache maintenance: stats | info | cleanup | clear
  serve    run the cache stats HTTP server
`

// fileConfig is the YAML configuration shared by all subcommands. Flags
// override file values.
type fileConfig struct {
	CacheDir       string `yaml:"cacheDir"`
	CacheTTL       string `yaml:"cacheTTL"`
	MemoryCapacity int    `yaml:"memoryCapacity"`
	KeyBits        int    `yaml:"keyBits"`
	Workers        int    `yaml:"workers"`
	SeedFormat     string `yaml:"seedFormat"`
	ListenAddress  string `yaml:"listenAddress"`
}

func (c fileConfig) cacheTTL() (time.Duration, error) {
	if c.CacheTTL == "" {
		return 0, nil
	}

	ttl, err := time.ParseDuration(c.CacheTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid cacheTTL %q: %w", c.CacheTTL, err)
	}

	return ttl, nil
}

func defaultConfig() fileConfig {
	return fileConfig{
		CacheDir:      defaultCacheDir(),
		SeedFormat:    "hex",
		ListenAddress: "0.0.0.0:9984",
	}
}

func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return ".keyforge-cache"
	}

	return base + "/keyforge"
}

func loadConfig(path string) (fileConfig, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %q: %w", path, err)
	}

	return cfg, nil
}

// commonFlags registers the flags every subcommand shares and returns a
// resolver that applies them over the config file.
func commonFlags(fs *flag.FlagSet) func() (fileConfig, error) {
	configPath := fs.String("config", "", "Optional: path to a YAML config file")
	cacheDir := fs.String("cache-dir", "", "Override: cache directory")
	keyBits := fs.Int("key-bits", 0, "Override: RSA modulus size")
	workers := fs.Int("workers", 0, "Override: worker pool size (negative disables the pool)")
	seedFormat := fs.String("seed-format", "", "Override: seed source format, hex or mnemonic")

	return func() (fileConfig, error) {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return cfg, err
		}

		if *cacheDir != "" {
			cfg.CacheDir = *cacheDir
		}
		if *keyBits != 0 {
			cfg.KeyBits = *keyBits
		}
		if *workers != 0 {
			cfg.Workers = *workers
		}
		if *seedFormat != "" {
			cfg.SeedFormat = *seedFormat
		}

		return cfg, nil
	}
}

func seedDeriver(format string) (seedsource.Deriver, error) {
	switch format {
	case "hex":
		return seedsource.Hex{}, nil
	case "mnemonic":
		return seedsource.Mnemonic{}, nil
	default:
		return nil, fmt.Errorf("unknown seed format %q (want hex or mnemonic)", format)
	}
}

func newService(cfg fileConfig, logger *slog.Logger) (*keyforge.Service, error) {
	seeds, err := seedDeriver(cfg.SeedFormat)
	if err != nil {
		return nil, err
	}

	ttl, err := cfg.cacheTTL()
	if err != nil {
		return nil, err
	}

	return keyforge.New(keyforge.Config{
		CacheDir:       cfg.CacheDir,
		CacheTTL:       ttl,
		MemoryCapacity: cfg.MemoryCapacity,
		KeyBits:        cfg.KeyBits,
		Workers:        cfg.Workers,
		Seeds:          seeds,
		Logger:         logger,
	})
}

// readSource resolves the seed source from -source / -source-file.
func readSource(source, sourceFile string) (string, error) {
	if source != "" && sourceFile != "" {
		return "", fmt.Errorf("flags -source and -source-file are mutually exclusive")
	}

	if source != "" {
		return source, nil
	}

	if sourceFile != "" {
		raw, err := os.ReadFile(sourceFile)
		if err != nil {
			return "", fmt.Errorf("failed to read seed source from %q: %w", sourceFile, err)
		}

		return string(raw), nil
	}

	return "", fmt.Errorf("missing required flag: -source or -source-file")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

func runDerive(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("derive", flag.ContinueOnError)
	resolve := commonFlags(fs)
	source := fs.String("source", "", "Seed source value")
	sourceFile := fs.String("source-file", "", "File holding the seed source")
	showProgress := fs.Bool("progress", false, "Report derivation progress on stderr")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := resolve()
	if err != nil {
		return err
	}

	seedSource, err := readSource(*source, *sourceFile)
	if err != nil {
		return err
	}

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	var opts []keyforge.DeriveOption
	if *showProgress {
		opts = append(opts, keyforge.WithProgress(func(p offload.Progress) {
			fmt.Fprintf(os.Stderr, "%s %d%%\n", p.Stage, p.Pct)
		}))
	}

	km, err := svc.DeriveKey(ctx, seedSource, opts...)
	if err != nil {
		return err
	}

	return printJSON(km)
}

func runJWKS(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("jwks", flag.ContinueOnError)
	resolve := commonFlags(fs)
	source := fs.String("source", "", "Seed source value")
	sourceFile := fs.String("source-file", "", "File holding the seed source")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := resolve()
	if err != nil {
		return err
	}

	seedSource, err := readSource(*source, *sourceFile)
	if err != nil {
		return err
	}

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	km, err := svc.DeriveKey(ctx, seedSource)
	if err != nil {
		return err
	}

	jwks, err := km.PublicJWKS(svc.Fingerprint(seedSource).Hex())
	if err != nil {
		return err
	}

	return printJSON(jwks)
}

func runSign(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	resolve := commonFlags(fs)
	source := fs.String("source", "", "Seed source value")
	sourceFile := fs.String("source-file", "", "File holding the seed source")
	subject := fs.String("subject", "", "Required: token subject")
	audience := fs.String("audience", "", "Required: token audience")
	issuer := fs.String("issuer", "keyforge", "Token issuer")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *subject == "" {
		return fmt.Errorf("missing required flag: -subject")
	}

	if *audience == "" {
		return fmt.Errorf("missing required flag: -audience")
	}

	cfg, err := resolve()
	if err != nil {
		return err
	}

	seedSource, err := readSource(*source, *sourceFile)
	if err != nil {
		return err
	}

	seeds, err := seedDeriver(cfg.SeedFormat)
	if err != nil {
		return err
	}

	seed, err := seeds.DeriveSeed(seedSource)
	if err != nil {
		return err
	}

	key, err := keymat.SigningKey(seed)
	if err != nil {
		return err
	}

	fprint := fingerprint.For(seedSource)

	issuedAt := time.Now()
	expiresAt := issuedAt.Add(*ttl)

	claims := &jwtgen.RegisteredClaims{
		Issuer:    *issuer,
		Subject:   *subject,
		Audience:  []string{*audience},
		IssuedAt:  jwtgen.NewNumericDate(issuedAt),
		ExpiresAt: jwtgen.NewNumericDate(expiresAt),
	}

	token := jwtgen.NewWithClaims(jwtgen.SigningMethodES256, claims)
	token.Header["kid"] = fprint.Hex()

	jwt, err := token.SignedString(key)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Println(jwt)

	return nil
}

func runCache(ctx context.Context, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: keyforge cache <stats|info|cleanup|clear> [flags]")
	}

	action := args[0]

	fs := flag.NewFlagSet("cache "+action, flag.ContinueOnError)
	resolve := commonFlags(fs)

	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := resolve()
	if err != nil {
		return err
	}

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	switch action {
	case "stats":
		return printJSON(svc.CacheStats())
	case "info":
		return printJSON(svc.DiskCacheInfo())
	case "cleanup":
		return printJSON(map[string]int{"removed": svc.CleanupExpiredCache()})
	case "clear":
		if err := svc.ClearCache(); err != nil {
			return err
		}

		return printJSON(map[string]bool{"cleared": true})
	default:
		return fmt.Errorf("unknown cache action %q (want stats, info, cleanup or clear)", action)
	}
}

func runServe(ctx context.Context, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	resolve := commonFlags(fs)
	address := fs.String("address", "", "Override: listen address")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := resolve()
	if err != nil {
		return err
	}

	if *address != "" {
		cfg.ListenAddress = *address
	}

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	server, err := statserver.Create(ctx, &statserver.Config{
		Address: cfg.ListenAddress,
		Cache:   svc.Cache(),
	})
	if err != nil {
		return err
	}

	go func() {
		err := server.ListenAndServe()

		if err != http.ErrServerClosed {
			logger.Error("stats server error", "err", err)
		}
	}()

	logger.Info("stats server listening", "addr", cfg.ListenAddress)

	<-ctx.Done()

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down stats server: %s", err)
	}

	return nil
}

func run(ctx context.Context, logger *slog.Logger) error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "derive":
		return runDerive(ctx, logger, args)
	case "jwks":
		return runJWKS(ctx, logger, args)
	case "sign":
		return runSign(ctx, logger, args)
	case "cache":
		return runCache(ctx, logger, args)
	case "serve":
		return runServe(ctx, logger, args)
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func main() {
	logger := slog.New(logging.WrapHandler(slog.NewJSONHandler(os.Stderr, nil)))

	ctx := logging.ContextWithLogger(context.Background(), logger)
	ctx = logr.NewContextWithSlogLogger(ctx, logger)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, os.Kill)
	defer stop()

	err := run(runCtx, logger)
	if err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}
