package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"scribe/internal/config"
	"scribe/internal/database"
	"scribe/internal/docstore"
	"scribe/internal/encryption"
	"scribe/internal/identity"
	"scribe/internal/scribe"
	"scribe/internal/server"
	"scribe/internal/vault"
)

// OperationLimit is the default number of operations listed by Operations.
const OperationLimit = 50

// App is the application layer between the CLI and the persistence layer.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw ids and readers, and records mutating commands in the
// journal's operation log.
type App struct {
	cfg       *config.Config
	logger    scribe.Logger
	logs      io.Closer
	identity  *identity.Session
	store     *docstore.Resilient
	journal   *database.SQLiteJournal
	encryptor scribe.Encryptor
	vault     scribe.ImageVault
	projects  *scribe.ProjectStore
	ledger    *scribe.Ledger
	clock     scribe.Clock
	op        *Operation
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "PushProject", "Sync").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logs, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	journal, err := database.NewJournalFromConfig(cfg.Database)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	if err := journal.CheckMigrations(); err != nil {
		journal.Close()
		logs.Close()
		return nil, fmt.Errorf("journal schema out of date: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption, config.DefaultLayout(cfg.BaseDir).KeysDir)
	if err != nil {
		journal.Close()
		logs.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vault, enc)
	if err != nil {
		journal.Close()
		logs.Close()
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	store, err := docstore.NewStoreFromConfig(ctx, cfg.Store, cfg.Sync, logger)
	if err != nil {
		journal.Close()
		logs.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}

	clock := scribe.RealClock{}
	session := identity.NewSession(cfg.OwnerID)
	syncer := scribe.NewSynchronizer(store, logger, cfg.Sync.MaxConcurrentWrites)
	projects := scribe.NewProjectStore(store, syncer, identity.Context{Fallback: session}, v, logger, clock)
	ledger := scribe.NewLedger(store, clock, scribe.UUIDGenerator{}, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		logs:      logs,
		identity:  session,
		store:     store,
		journal:   journal,
		encryptor: enc,
		vault:     v,
		projects:  projects,
		ledger:    ledger,
		clock:     clock,
		op:        NewOperation(operation, ""),
	}, nil
}

// begin records the operation in the journal. It is only called by
// commands that mutate remote state.
func (a *App) begin(ctx context.Context, parameters string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = parameters
	rec := &scribe.SyncOperation{
		Operation:  a.op.Operation,
		Parameters: parameters,
		StartedAt:  a.clock.Now(),
	}
	if err := a.journal.CreateOperation(ctx, rec); err != nil {
		return fmt.Errorf("recording operation: %w", err)
	}
	a.op.ID = rec.ID
	return nil
}

// end marks the operation failed when err is set and returns err.
func (a *App) end(err error) error {
	a.op.Fail(err)
	return err
}

// Owner returns the signed-in owner, or "".
func (a *App) Owner() string {
	return a.identity.Current(context.Background())
}

func (a *App) newSession() *scribe.Session {
	// Commands save explicitly before returning.
	return scribe.NewSession(a.projects, a.ledger, a.journal, a.logger, a.clock, time.Hour)
}

// open opens a project in sess and checks it belongs to the signed-in owner.
func (a *App) open(ctx context.Context, sess *scribe.Session, projectID string) error {
	owner := a.Owner()
	if owner == "" {
		return scribe.ErrNotAuthenticated
	}
	if err := sess.Open(ctx, projectID); err != nil {
		return err
	}
	if p := sess.Project(); p.OwnerID != "" && p.OwnerID != owner {
		return fmt.Errorf("project %s: %w", projectID, scribe.ErrNotOwner)
	}
	return nil
}

// edit opens a project, runs fn and saves the result.
func (a *App) edit(ctx context.Context, projectID string, fn func(*scribe.Session) error) (*scribe.SaveReport, error) {
	sess := a.newSession()
	defer sess.Close(ctx)

	if err := a.open(ctx, sess, projectID); err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	return sess.Save(ctx)
}

// ListProjects returns the owner's project summaries, newest first.
func (a *App) ListProjects(ctx context.Context) ([]*scribe.Project, error) {
	return a.projects.ListSummaries(ctx)
}

// WatchProjects calls fn with the owner's project summaries now and after
// every change until ctx is done. Signing in or out switches the feed to
// the new owner; while signed out fn receives nil.
func (a *App) WatchProjects(ctx context.Context, fn func(owner string, projects []*scribe.Project)) error {
	var (
		mu      sync.Mutex
		stop    = func() {}
		failure = make(chan error, 1)
	)
	unsubscribe := a.identity.Subscribe(func(owner string) {
		mu.Lock()
		defer mu.Unlock()
		stop()
		stop = func() {}
		if owner == "" {
			fn("", nil)
			return
		}
		unsub, err := a.projects.SubscribeList(identity.WithOwner(ctx, owner), func(projects []*scribe.Project) {
			fn(owner, projects)
		})
		if err != nil {
			select {
			case failure <- err:
			default:
			}
			return
		}
		stop = unsub
	})
	defer func() {
		unsubscribe()
		mu.Lock()
		stop()
		mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failure:
		return err
	}
}

// SignIn switches the running app to owner.
func (a *App) SignIn(owner string) error {
	return a.identity.SignIn(owner)
}

// SignOut signs the running app out.
func (a *App) SignOut() {
	a.identity.SignOut()
}

// ShowProject returns a project, preferring an unsaved local copy.
func (a *App) ShowProject(ctx context.Context, projectID string) (*scribe.Project, error) {
	sess := a.newSession()
	defer sess.Close(ctx)
	if err := a.open(ctx, sess, projectID); err != nil {
		return nil, err
	}
	return sess.Project(), nil
}

// NewProject creates and saves an empty project.
func (a *App) NewProject(ctx context.Context, title string) (*scribe.Project, *scribe.SaveReport, error) {
	if a.Owner() == "" {
		return nil, nil, scribe.ErrNotAuthenticated
	}
	p := &scribe.Project{ID: scribe.UUIDGenerator{}.New(), Title: title}
	if err := a.begin(ctx, p.ID); err != nil {
		return nil, nil, err
	}

	sess := a.newSession()
	defer sess.Close(ctx)
	if err := sess.Create(ctx, p); err != nil {
		return nil, nil, a.end(err)
	}
	report, err := sess.Save(ctx)
	if err != nil {
		return nil, nil, a.end(err)
	}
	return sess.Project(), report, nil
}

// PushProject reads a project as JSON and saves it, replacing the stored
// copy. An edit that cannot reach the store stays in the journal for Sync.
func (a *App) PushProject(ctx context.Context, r io.Reader) (*scribe.SaveReport, error) {
	var p scribe.Project
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding project: %w", err)
	}
	if err := a.begin(ctx, p.ID); err != nil {
		return nil, err
	}

	report, err := a.edit(ctx, p.ID, func(sess *scribe.Session) error {
		return sess.Apply(ctx, func(cur *scribe.Project) error {
			owner, modified := cur.OwnerID, cur.LastModified
			*cur = *p.Clone()
			cur.OwnerID, cur.LastModified = owner, modified
			return nil
		})
	})
	if !errors.Is(err, scribe.ErrProjectNotFound) {
		return report, a.end(err)
	}

	sess := a.newSession()
	defer sess.Close(ctx)
	if err := sess.Create(ctx, &p); err != nil {
		return nil, a.end(err)
	}
	report, err = sess.Save(ctx)
	return report, a.end(err)
}

// PullProject writes a project as indented JSON.
func (a *App) PullProject(ctx context.Context, projectID string, w io.Writer) error {
	p, err := a.ShowProject(ctx, projectID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encoding project: %w", err)
	}
	return nil
}

// DeleteProject removes a project with its history and offloaded images.
func (a *App) DeleteProject(ctx context.Context, projectID string) error {
	if err := a.begin(ctx, projectID); err != nil {
		return err
	}
	sess := a.newSession()
	defer sess.Close(ctx)
	if err := a.open(ctx, sess, projectID); err != nil {
		return a.end(err)
	}
	return a.end(sess.Delete(ctx))
}

// History lists the versions of a target, newest first.
func (a *App) History(ctx context.Context, projectID string, t scribe.Target) ([]*scribe.VersionRecord, error) {
	if _, err := a.ShowProject(ctx, projectID); err != nil {
		return nil, err
	}
	scope, err := t.Scope(projectID)
	if err != nil {
		return nil, err
	}
	return a.ledger.ListVersions(ctx, scope)
}

// Snapshot records the current state of a target.
func (a *App) Snapshot(ctx context.Context, projectID string, t scribe.Target, note string) (*scribe.VersionRecord, error) {
	if err := a.begin(ctx, projectID+" "+t.String()); err != nil {
		return nil, err
	}
	var rec *scribe.VersionRecord
	_, err := a.edit(ctx, projectID, func(sess *scribe.Session) error {
		var err error
		rec, err = sess.Snapshot(ctx, t, note)
		return err
	})
	return rec, a.end(err)
}

// Restore applies a stored version to a target and saves the project.
func (a *App) Restore(ctx context.Context, projectID string, t scribe.Target, versionID string) (*scribe.SaveReport, error) {
	if err := a.begin(ctx, projectID+" "+t.String()+" "+versionID); err != nil {
		return nil, err
	}
	report, err := a.edit(ctx, projectID, func(sess *scribe.Session) error {
		return sess.Restore(ctx, t, versionID)
	})
	return report, a.end(err)
}

// MergeMemory reads a memory core as JSON and merges it into a project.
func (a *App) MergeMemory(ctx context.Context, projectID string, r io.Reader) (*scribe.MergeResult, error) {
	var incoming scribe.MemoryCore
	if err := json.NewDecoder(r).Decode(&incoming); err != nil {
		return nil, fmt.Errorf("decoding memory: %w", err)
	}
	if err := a.begin(ctx, projectID); err != nil {
		return nil, err
	}
	var result *scribe.MergeResult
	_, err := a.edit(ctx, projectID, func(sess *scribe.Session) error {
		var err error
		result, err = sess.MergeMemory(ctx, incoming, "")
		return err
	})
	return result, a.end(err)
}

// AssignImage makes target the only holder of a gallery image.
func (a *App) AssignImage(ctx context.Context, projectID, galleryID string, target scribe.EntityRef) error {
	if err := a.begin(ctx, projectID+" "+galleryID+" "+target.String()); err != nil {
		return err
	}
	_, err := a.edit(ctx, projectID, func(sess *scribe.Session) error {
		return sess.Apply(ctx, func(p *scribe.Project) error {
			return p.AssignImage(galleryID, target)
		})
	})
	return a.end(err)
}

// FetchImage writes a gallery image's bytes to w and returns its MIME type.
// Inline payloads are decoded; offloaded ones are read from the vault,
// asking for the passphrase if the vault is encrypted and still locked.
func (a *App) FetchImage(ctx context.Context, projectID, galleryID string, passphrase func() (string, error), w io.Writer) (string, error) {
	p, err := a.ShowProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	g := p.GalleryImage(galleryID)
	if g == nil {
		return "", fmt.Errorf("gallery image %s: %w", galleryID, scribe.ErrEntityNotFound)
	}

	if inline, ok := scribe.ParseImageRef(g.Src).(scribe.InlineImage); ok {
		data, err := inline.Bytes()
		if err != nil {
			return "", err
		}
		if _, err := w.Write(data); err != nil {
			return "", err
		}
		return inline.MIME, nil
	}
	if g.BlobKey == "" {
		return "", fmt.Errorf("gallery image %s has no payload", galleryID)
	}
	if a.vault == nil {
		return "", fmt.Errorf("gallery image %s is offloaded but no vault is configured", galleryID)
	}
	if ev, ok := a.vault.(*vault.EncryptedVault); ok && !ev.Unlocked() {
		pass, err := passphrase()
		if err != nil {
			return "", err
		}
		if err := ev.Unlock(pass); err != nil {
			return "", err
		}
	}
	if err := a.vault.GetImage(ctx, g.BlobKey, w); err != nil {
		return "", err
	}
	return g.MimeType, nil
}

// InitKeys generates the key pair that encrypts vault images.
func (a *App) InitKeys(passphrase string) error {
	return a.encryptor.Setup(passphrase)
}

// PublicKey returns the age recipient that vault images are encrypted to.
func (a *App) PublicKey() (string, error) {
	age, ok := a.encryptor.(*encryption.AgeEncryptor)
	if !ok {
		return "", fmt.Errorf("encryptor has no public key")
	}
	return age.PublicKey()
}

// CheckVault verifies that the configured vault is usable.
func (a *App) CheckVault(ctx context.Context) error {
	if a.vault == nil {
		return fmt.Errorf("no vault configured")
	}
	return a.vault.ValidateSetup(ctx)
}

// Sync pushes pending saves left by earlier runs.
func (a *App) Sync(ctx context.Context) (*scribe.ReconcileReport, error) {
	if err := a.begin(ctx, ""); err != nil {
		return nil, err
	}
	report, err := scribe.NewReconciler(a.journal, a.projects, a.logger).Run(ctx)
	if err == nil && len(report.Failed) > 0 {
		a.op.Status = scribe.OperationError
		a.op.Message = fmt.Sprintf("%d pending saves not pushed", len(report.Failed))
	}
	return report, a.end(err)
}

// Pending returns the saves waiting in the journal.
func (a *App) Pending(ctx context.Context) ([]*scribe.PendingSave, error) {
	return a.journal.ListPending(ctx)
}

// Operations returns the most recent recorded operations.
func (a *App) Operations(ctx context.Context, limit int) ([]*scribe.SyncOperation, error) {
	if limit <= 0 {
		limit = OperationLimit
	}
	return a.journal.ListOperations(ctx, limit)
}

// BackupJournal writes a copy of the journal to dest.
func (a *App) BackupJournal(dest string) error {
	return a.journal.BackupTo(dest)
}

// Server returns the HTTP API backed by this app's stores.
func (a *App) Server() *server.Server {
	return server.New(server.Options{
		Projects:       a.projects,
		Ledger:         a.ledger,
		Journal:        a.journal,
		IDs:            scribe.UUIDGenerator{},
		Logger:         a.logger,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	})
}

// Serve pushes pending saves and then serves the API on the configured
// address until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	if a.Owner() != "" {
		if _, err := a.Sync(ctx); err != nil {
			a.logger.Warn("pushing pending saves failed", "error", err)
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Listen,
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close finalizes the operation record and closes all resources.
func (a *App) Close() error {
	var errs []error

	if a.op.Persisted() {
		err := a.journal.FinishOperation(context.Background(), a.op.ID, a.op.Status, a.op.Message, a.clock.Now())
		if err != nil {
			errs = append(errs, fmt.Errorf("finishing operation: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	if err := a.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing journal: %w", err))
	}
	if a.logs != nil {
		a.logs.Close()
	}
	return errors.Join(errs...)
}
