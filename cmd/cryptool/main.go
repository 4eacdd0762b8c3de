// cryptool is a maintenance CLI for the crypto store: bootstrap
// cross-signing and secret storage, manage key backup, and move room keys
// in and out of the store.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/skip2/go-qrcode"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/crypt/engine"
	"github.com/arko-chat/crypt/internal/config"
	"github.com/arko-chat/crypt/internal/credentials"
	"github.com/arko-chat/crypt/internal/cryptoutil"
	"github.com/arko-chat/crypt/internal/logger"
	"github.com/arko-chat/crypt/store"
	"github.com/arko-chat/crypt/transport"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	user := flag.String("user", "", "user id (defaults to the only known account)")
	flag.Parse()

	log := logger.New(*debug)

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)
	args := flag.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if command == "login" {
		if err := login(args); err != nil {
			log.Error("login failed", "err", err)
			os.Exit(1)
		}
		return
	}
	if command == "accounts" {
		for _, userID := range credentials.GetKnownUsers() {
			fmt.Println(userID)
		}
		return
	}

	userID := *user
	if userID == "" {
		userID = credentials.DefaultUser()
	}
	if userID == "" {
		log.Error("no account selected, run login or pass -user")
		os.Exit(1)
	}

	app, err := newApp(ctx, userID, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer app.close()

	err = app.run(ctx, command, args)
	if err != nil {
		log.Error("command failed", "command", command, "err", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cryptool [-user @u:hs] [-debug] <command>

commands:
  login <homeserver> <user-id> <device-id>   store an access token in the keyring
  accounts                                   list known accounts
  bootstrap [-passphrase]                    set up cross-signing and secret storage
  recovery-qr                                show the stored recovery key as a QR code
  backup-create                              create a new server-side key backup
  backup-restore                             restore all sessions from the backup
  export <file>                              export room keys to a JSON file
  import <file>                              import room keys from a JSON file
  devices <user-id>                          list a user's devices and trust`)
}

func login(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("login needs <homeserver> <user-id> <device-id>")
	}
	fmt.Fprint(os.Stderr, "access token: ")
	reader := bufio.NewReader(os.Stdin)
	token, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	meta := credentials.SessionMetadata{
		Homeserver: args[0],
		UserID:     args[1],
		DeviceID:   args[2],
	}
	if err := credentials.StoreSession(meta, strings.TrimSpace(token)); err != nil {
		return err
	}
	return credentials.AddKnownUser(args[1])
}

type app struct {
	engine *engine.Engine
	store  *store.Store
	userID id.UserID
}

// staticRoomState satisfies the engine's room interface for a CLI that
// never encrypts room events.
type staticRoomState struct{}

func (staticRoomState) GetJoinedMembers(context.Context, id.RoomID) ([]id.UserID, error) {
	return nil, nil
}

func (staticRoomState) IsLazyLoading() bool { return false }

func newApp(ctx context.Context, userID string, log *slog.Logger) (*app, error) {
	meta, token, err := credentials.LoadSession(userID)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(userID)
	if err != nil {
		return nil, err
	}

	st, err := store.NewBadger(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	client := transport.NewHTTPClient(meta.Homeserver, id.UserID(meta.UserID), token, log)
	callbacks := engine.Callbacks{
		GetSecretStorageKey: resolveSecretStorageKey(userID),
	}
	eng, err := engine.New(ctx, engine.Config{
		UserID:    id.UserID(meta.UserID),
		DeviceID:  id.DeviceID(meta.DeviceID),
		PickleKey: cfg.PickleKey,
	}, client, st, staticRoomState{}, callbacks, log)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &app{engine: eng, store: st, userID: id.UserID(meta.UserID)}, nil
}

func (a *app) close() {
	a.engine.Close()
	if err := a.store.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "close store:", err)
	}
}

// resolveSecretStorageKey tries the keyring first and prompts only when
// nothing usable is stored.
func resolveSecretStorageKey(userID string) func(context.Context, string, *engine.SecretStorageKeyDescription) ([]byte, error) {
	return func(_ context.Context, keyID string, desc *engine.SecretStorageKeyDescription) ([]byte, error) {
		if stored, err := credentials.LoadRecoveryKey(userID); err == nil {
			key, err := cryptoutil.DecodeRecoveryKey(stored)
			if err == nil && desc.VerifyKey(key) {
				return key, nil
			}
			credentials.DeleteRecoveryKey(userID)
		}

		fmt.Fprintf(os.Stderr, "recovery key or passphrase for secret storage key %s: ", keyID)
		reader := bufio.NewReader(os.Stdin)
		input, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		input = strings.TrimSpace(input)

		if key, err := cryptoutil.DecodeRecoveryKey(input); err == nil {
			_ = credentials.StoreRecoveryKey(userID, input)
			return key, nil
		}
		key, err := desc.DeriveFromPassphrase(input)
		if err != nil {
			return nil, err
		}
		return key, nil
	}
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "bootstrap":
		return a.bootstrap(ctx, args)
	case "recovery-qr":
		return a.recoveryQR()
	case "backup-create":
		version, err := a.engine.CreateKeyBackup(ctx)
		if err != nil {
			return err
		}
		fmt.Println("backup version:", version)
		return nil
	case "backup-restore":
		if err := a.engine.EnableKeyBackup(ctx); err != nil {
			return err
		}
		imported, err := a.engine.RestoreFromBackup(ctx)
		if err != nil {
			return err
		}
		fmt.Println("restored sessions:", imported)
		return nil
	case "export":
		return a.exportKeys(args)
	case "import":
		return a.importKeys(args)
	case "devices":
		return a.listDevices(ctx, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) bootstrap(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	passphrase := fs.String("passphrase", "", "also derive the key from a passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}

	recoveryKey, _, err := a.engine.BootstrapSecretStorage(ctx, *passphrase)
	if err != nil {
		return err
	}
	if err := credentials.StoreRecoveryKey(a.userID.String(), recoveryKey); err != nil {
		return err
	}
	if err := a.engine.BootstrapCrossSigning(ctx, true); err != nil {
		return err
	}

	fmt.Println("recovery key (write it down, it is shown once):")
	fmt.Println(" ", recoveryKey)
	return nil
}

func (a *app) recoveryQR() error {
	stored, err := credentials.LoadRecoveryKey(a.userID.String())
	if err != nil {
		return fmt.Errorf("no recovery key stored for %s", a.userID)
	}
	code, err := qrcode.New(stored, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Print(code.ToSmallString(false))
	return nil
}

func (a *app) exportKeys(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("export needs a target file")
	}
	sessions, err := a.engine.ExportRoomKeys()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], out, 0600); err != nil {
		return err
	}
	fmt.Println("exported sessions:", len(sessions))
	return nil
}

func (a *app) importKeys(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("import needs a source file")
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var sessions []*engine.ExportedSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	imported, err := a.engine.ImportRoomKeys(sessions)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d of %d sessions\n", imported, len(sessions))
	return nil
}

func (a *app) listDevices(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("devices needs a user id")
	}
	userID := id.UserID(args[0])
	devices, err := a.engine.DownloadKeys(ctx, []id.UserID{userID}, false)
	if err != nil {
		return err
	}
	for _, device := range devices[userID] {
		fmt.Printf("%s\t%s\t%s\t%s\n",
			device.DeviceID,
			device.IdentityKey,
			a.engine.ResolveTrust(device),
			device.Name,
		)
	}
	return a.engine.FlushDeviceLists()
}
