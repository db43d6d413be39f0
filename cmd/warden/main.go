// Command warden is the control-plane CLI: package installation,
// integrity verification, checkpoints, rollback, and ledger
// administration for one governed tier.
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/warden-foundation/warden/authz"
	"github.com/warden-foundation/warden/config"
	"github.com/warden-foundation/warden/controlplane"
	"github.com/warden-foundation/warden/keys"
	"github.com/warden-foundation/warden/ledger"
	"github.com/warden-foundation/warden/manifest"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}
	switch args[0] {
	case "init":
		return cmdInit(args[1:], out, errOut)
	case "install":
		return cmdInstall(args[1:], out, errOut)
	case "verify":
		return cmdVerify(args[1:], out, errOut)
	case "checkpoint":
		return cmdCheckpoint(args[1:], out, errOut)
	case "rollback":
		return cmdRollback(args[1:], out, errOut)
	case "ledger":
		return cmdLedger(args[1:], out, errOut)
	case "pack":
		return cmdPack(args[1:], out, errOut)
	case "keygen":
		return cmdKeygen(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "warden: governed package control plane")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  warden init --config <file> --tier <root|ho1|ho2> [--parent-ref <name> --parent-hash <hex>]")
	fmt.Fprintln(w, "  warden install --config <file> --tier <t> --principal <name> --id <package-id> <archive>")
	fmt.Fprintln(w, "  warden verify --config <file> --tier <t> --principal <name>")
	fmt.Fprintln(w, "  warden checkpoint --config <file> --tier <t> --principal <name> [--label <text>] [--list]")
	fmt.Fprintln(w, "  warden rollback --config <file> --tier <t> --principal <name> <version-id>")
	fmt.Fprintln(w, "  warden ledger verify --config <file> --tier <t> --principal <name>")
	fmt.Fprintln(w, "  warden ledger repair --config <file> --tier <t> --principal <name> --reason <text>")
	fmt.Fprintln(w, "  warden ledger waiver --config <file> --tier <t> --principal <name> --package <id> --digest <sha256:hex> --reason <text>")
	fmt.Fprintln(w, "  warden pack --src <dir> --id <package-id> --type <t> --version <v> --spec <spec-id> --out <file> [--compression none|gzip|zstd] [--seed-hex <64hex> | --signer <name>]")
	fmt.Fprintln(w, "  warden keygen --name <name> [--seed-hex <64hex>] [--force]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "The config file may also be named by WARDEN_CONFIG.")
}

// commonFlags are shared by every control-plane subcommand.
type commonFlags struct {
	configPath string
	tier       string
	principal  string
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.configPath, "config", os.Getenv("WARDEN_CONFIG"), "config file path")
	fs.StringVar(&c.tier, "tier", "", "tier name (root, ho1, ho2)")
	fs.StringVar(&c.principal, "principal", "", "authenticated principal name")
}

func (c *commonFlags) controlPlane(errOut io.Writer) (*controlplane.ControlPlane, authz.Principal, bool) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintf(errOut, "load config: %v\n", err)
		return nil, authz.Principal{}, false
	}
	tier, err := ledger.ParseTier(c.tier)
	if err != nil {
		fmt.Fprintf(errOut, "tier: %v\n", err)
		return nil, authz.Principal{}, false
	}
	log := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cp, err := controlplane.New(cfg, tier, log)
	if err != nil {
		fmt.Fprintf(errOut, "control plane: %v\n", err)
		return nil, authz.Principal{}, false
	}
	return cp, authz.Principal{Name: c.principal}, true
}

func printJSON(out io.Writer, v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(out, "%+v\n", v)
		return
	}
	fmt.Fprintf(out, "%s\n", raw)
}

func cmdInit(args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.register(fs)
	parentRef := fs.String("parent-ref", "", "parent tier ledger name (non-root tiers)")
	parentHash := fs.String("parent-hash", "", "parent ledger head hash at creation time")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cp, _, ok := common.controlPlane(errOut)
	if !ok {
		return 1
	}
	entryID, err := cp.InitTier(*parentRef, *parentHash)
	if err != nil {
		fmt.Fprintf(errOut, "init: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "tier %s initialized, genesis %s\n", common.tier, entryID)
	return 0
}

func cmdInstall(args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("install", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.register(fs)
	declaredID := fs.String("id", "", "package id the caller claims to submit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: warden install [flags] <archive>")
		return 2
	}
	cp, principal, ok := common.controlPlane(errOut)
	if !ok {
		return 1
	}
	res, err := cp.Install(context.Background(), principal, fs.Arg(0), *declaredID)
	if err != nil {
		fmt.Fprintf(errOut, "install: %v\n", err)
		return 1
	}
	printJSON(out, res)
	if res.Outcome == "FAILED" {
		return 1
	}
	return 0
}

func cmdVerify(args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cp, principal, ok := common.controlPlane(errOut)
	if !ok {
		return 1
	}
	report, err := cp.VerifyIntegrity(context.Background(), principal)
	if err != nil {
		fmt.Fprintf(errOut, "verify: %v\n", err)
		return 1
	}
	printJSON(out, report)
	if !report.Clean {
		return 1
	}
	return 0
}

func cmdCheckpoint(args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("checkpoint", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.register(fs)
	label := fs.String("label", "", "checkpoint label")
	list := fs.Bool("list", false, "list stored checkpoints instead of creating one")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cp, principal, ok := common.controlPlane(errOut)
	if !ok {
		return 1
	}
	if *list {
		ids, err := cp.ListCheckpoints(context.Background(), principal)
		if err != nil {
			fmt.Fprintf(errOut, "checkpoint list: %v\n", err)
			return 1
		}
		for _, id := range ids {
			fmt.Fprintln(out, id)
		}
		return 0
	}
	ckpt, err := cp.Checkpoint(context.Background(), principal, *label)
	if err != nil {
		fmt.Fprintf(errOut, "checkpoint: %v\n", err)
		return 1
	}
	printJSON(out, ckpt)
	return 0
}

func cmdRollback(args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("rollback", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: warden rollback [flags] <version-id>")
		return 2
	}
	cp, principal, ok := common.controlPlane(errOut)
	if !ok {
		return 1
	}
	res, err := cp.Rollback(context.Background(), principal, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(errOut, "rollback: %v\n", err)
		return 1
	}
	printJSON(out, res)
	if res.Outcome != "ROLLED_BACK" {
		return 1
	}
	return 0
}

func cmdLedger(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: warden ledger <verify|repair|waiver> ...")
		return 2
	}
	sub, rest := args[0], args[1:]
	fs := pflag.NewFlagSet("ledger "+sub, pflag.ContinueOnError)
	fs.SetOutput(errOut)
	var common commonFlags
	common.register(fs)
	reason := fs.String("reason", "", "recorded reason")
	pkg := fs.String("package", "", "package id (waiver)")
	digest := fs.String("digest", "", "artifact digest sha256:<64 hex> (waiver)")
	if err := fs.Parse(rest); err != nil {
		return 2
	}
	cp, principal, ok := common.controlPlane(errOut)
	if !ok {
		return 1
	}
	ctx := context.Background()
	switch sub {
	case "verify":
		report, err := cp.VerifyLedger(ctx, principal)
		if err != nil {
			fmt.Fprintf(errOut, "ledger verify: %v\n", err)
			return 1
		}
		printJSON(out, report)
		if !report.Valid {
			return 1
		}
		return 0
	case "repair":
		entryID, err := cp.RepairLedger(ctx, principal, *reason)
		if err != nil {
			fmt.Fprintf(errOut, "ledger repair: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "repair entry %s\n", entryID)
		return 0
	case "waiver":
		entryID, err := cp.RecordWaiver(ctx, principal, *pkg, *digest, *reason)
		if err != nil {
			fmt.Fprintf(errOut, "ledger waiver: %v\n", err)
			return 1
		}
		fmt.Fprintf(out, "waiver entry %s\n", entryID)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown ledger subcommand: %s\n", sub)
		return 2
	}
}

func cmdPack(args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("pack", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	src := fs.String("src", "", "source directory")
	id := fs.String("id", "", "package id")
	typ := fs.String("type", "library", "package type")
	version := fs.String("version", "", "package version")
	spec := fs.String("spec", "", "spec id")
	outPath := fs.String("out", "", "output archive path")
	compression := fs.String("compression", "zstd", "archive compression: none, gzip, zstd")
	seedHex := fs.String("seed-hex", "", "ed25519 seed (64 hex chars) to sign with")
	signer := fs.String("signer", "", "stored key name to sign with")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *src == "" || *id == "" || *version == "" || *spec == "" || *outPath == "" {
		fmt.Fprintln(errOut, "pack: --src, --id, --version, --spec, and --out are required")
		return 2
	}

	m, err := manifest.BuildManifest(*src, *id, *typ, *version, *spec)
	if err != nil {
		fmt.Fprintf(errOut, "pack: %v\n", err)
		return 1
	}
	if *seedHex != "" || *signer != "" {
		seed, err := loadSigningSeed(*seedHex, *signer)
		if err != nil {
			fmt.Fprintf(errOut, "pack: %v\n", err)
			return 1
		}
		payload, err := m.SigningPayload()
		if err != nil {
			fmt.Fprintf(errOut, "pack: %v\n", err)
			return 1
		}
		priv := ed25519.NewKeyFromSeed(seed)
		m.Signature = &manifest.Signature{
			Alg: "ed25519",
			Key: strings.TrimPrefix(keys.SigningKeyFromSeed(seed), "ed25519:"),
			Sig: keys.SignEd25519SHA256(payload, priv),
		}
	}

	var buf bytes.Buffer
	if err := manifest.Pack(&buf, m, *src, manifest.Compression(*compression)); err != nil {
		fmt.Fprintf(errOut, "pack: %v\n", err)
		return 1
	}
	if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
		fmt.Fprintf(errOut, "pack: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*outPath, buf.Bytes(), 0o644); err != nil {
		fmt.Fprintf(errOut, "pack: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "%s\t%s\t%d assets\n", *outPath, m.ManifestHash, len(m.Assets))
	return 0
}

func loadSigningSeed(seedHex, signer string) ([]byte, error) {
	if seedHex != "" {
		return keys.ParseSeedHex(seedHex)
	}
	if signer == "" {
		return nil, fmt.Errorf("no signer provided")
	}
	ks, err := keys.Open("")
	if err != nil {
		return nil, err
	}
	return ks.Seed(signer)
}

func cmdKeygen(args []string, out io.Writer, errOut io.Writer) int {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	fs.SetOutput(errOut)
	name := fs.String("name", "", "key name")
	seedHex := fs.String("seed-hex", "", "ed25519 seed (64 hex chars); random when omitted")
	force := fs.Bool("force", false, "overwrite an existing key")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *name == "" {
		fmt.Fprintln(errOut, "keygen: --name is required")
		return 2
	}
	var seed []byte
	if *seedHex != "" {
		var err error
		seed, err = keys.ParseSeedHex(*seedHex)
		if err != nil {
			fmt.Fprintf(errOut, "keygen: %v\n", err)
			return 1
		}
	} else {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			fmt.Fprintf(errOut, "keygen: %v\n", err)
			return 1
		}
	}
	ks, err := keys.Open("")
	if err != nil {
		fmt.Fprintf(errOut, "keygen: %v\n", err)
		return 1
	}
	signingKey, path, err := ks.Generate(*name, seed, *force)
	if err != nil {
		fmt.Fprintf(errOut, "keygen: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "%s\t%s\n", signingKey, path)
	return 0
}
