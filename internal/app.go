package internal

import (
	"context"
	"os"
	ossignal "os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"peer-call/pkg/call"
	"peer-call/pkg/credstore"
	"peer-call/pkg/crypto"
	"peer-call/pkg/log"
	"peer-call/pkg/relay"
	"peer-call/pkg/signaling"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

type App struct {
	relayURL     string
	apiKey       string
	uid          string
	displayName  string
	avatarURL    string
	chatID       string
	calleeUID    string
	calleeName   string
	calleeAvatar string
	decline      bool
	secret       string
	stunServers  []string
	ringTimeout  time.Duration
	credFile     string
	storeCreds   bool
	instanceUUID string

	creds    *credstore.LocalSaver
	client   *relay.Client
	channel  signaling.Channel
	registry *call.Registry
	capture  call.Capture
	factory  call.TransportFactory
}

func NewApp() *App {
	return &App{
		instanceUUID: uuid.New().String(),
	}
}

func (a *App) Setup() error {
	a.parseCmdline()

	if a.storeCreds && a.credFile == "" {
		return errors.New("--store-creds requires --credfile")
	}

	if a.credFile != "" {
		if err := a.setupCredentials(); err != nil {
			return err
		}
	}

	if a.storeCreds {
		return nil
	}

	if a.uid == "" {
		return errors.New("--uid is required")
	}
	if a.displayName == "" {
		a.displayName = a.uid
	}
	if a.chatID == "" && a.calleeUID != "" {
		a.chatID = deriveChatID(a.uid, a.calleeUID)
	}

	a.client = relay.NewClient(relay.ClientConfig{
		URL:    a.relayURL,
		APIKey: a.apiKey,
	})

	a.channel = a.client

	if a.secret != "" {
		aes, err := crypto.NewAesCbcFromSecret(a.secret)
		if err != nil {
			return errors.Wrap(err, "sealed signaling")
		}
		a.channel = signaling.NewSealed(a.client, aes)
	}

	a.registry = call.NewRegistry()
	a.capture = &call.StaticCapture{}
	a.factory = call.NewPionFactory(call.PionConfig{STUN: a.stunServers})

	return nil
}

func (a *App) setupCredentials() error {
	aes, err := crypto.NewAesCbc(crypto.AesCbcConfig{
		// NOTE: The preset Key and IV values should be replaced with your own ones.
		Key: []byte("AES-128-key-1234"),
		IV:  []byte("IV-1234567890123"),
	})
	if err != nil {
		return errors.Wrap(err, "credential store crypto")
	}

	a.creds = credstore.NewLocalSaver(credstore.LocalSaverConfig{
		CredentialFile: a.credFile,
	}, aes)

	if a.storeCreds {
		return nil
	}

	apiKey, secret, err := a.creds.GetCredentials()
	if err != nil {
		return errors.Wrap(err, "credential store")
	}

	if a.apiKey == "" {
		a.apiKey = apiKey
	}
	if a.secret == "" {
		a.secret = secret
	}

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	if a.storeCreds {
		err := a.creds.SaveCredentials(a.apiKey, a.secret)

		return errors.Wrap(err, "credential store")
	}

	log.Infof("Starting peer-call, UID: %s, Instance UUID: %s", a.uid, a.instanceUUID)
	defer log.Info("Ending peer-call")

	a.listenOS(cancel)

	if err := a.client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		_ = a.client.Close()
	}()

	if a.calleeUID != "" {
		return a.runCaller(ctx)
	}

	return a.runCallee(ctx)
}

func (a *App) parseCmdline() {
	// Relay options.
	pflag.StringVarP(&a.relayURL, "relay", "r", "ws://localhost:8443/ws", "Websocket URL of the signaling relay")
	pflag.StringVarP(&a.apiKey, "apikey", "a", "", "API key expected by the signaling relay")
	pflag.StringVarP(&a.secret, "secret", "s", "", "Shared per-chat secret; when set, descriptions and candidates are sealed before they reach the relay")

	// Identity options.
	pflag.StringVarP(&a.uid, "uid", "u", "", "Local user ID")
	pflag.StringVarP(&a.displayName, "name", "n", "", "Local display name (defaults to the UID)")
	pflag.StringVar(&a.avatarURL, "avatar", "", "Local avatar URL")

	// Caller options.
	pflag.StringVarP(&a.calleeUID, "call", "c", "", "Place a call to this user ID; without it, wait for incoming calls")
	pflag.StringVar(&a.calleeName, "callee-name", "", "Display name of the called user")
	pflag.StringVar(&a.calleeAvatar, "callee-avatar", "", "Avatar URL of the called user")
	pflag.StringVar(&a.chatID, "chat", "", "Conversation ID the call belongs to (defaults to the sorted UID pair)")
	pflag.DurationVar(&a.ringTimeout, "ring-timeout", 45*time.Second, "Give up on an unanswered call after this long (0 disables)")

	// Callee options.
	pflag.BoolVar(&a.decline, "decline", false, "Decline incoming calls instead of answering")

	// Transport options.
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302"}, "List of used STUN servers")

	// Credential store options.
	pflag.StringVarP(&a.credFile, "credfile", "p", "", "Path to a file where encrypted relay credentials are saved to or taken from (see: --store-creds)")
	pflag.BoolVarP(&a.storeCreds, "store-creds", "e", false, "Store --apikey and --secret encrypted in --credfile and exit")

	pflag.Parse()
}

func (a *App) runCaller(ctx context.Context) error {
	sess := a.newSession()

	localUser := signaling.Participant{UID: a.uid, DisplayName: a.displayName, AvatarURL: a.avatarURL}
	remoteUser := signaling.Participant{UID: a.calleeUID, DisplayName: a.calleeName, AvatarURL: a.calleeAvatar}
	if remoteUser.DisplayName == "" {
		remoteUser.DisplayName = remoteUser.UID
	}

	if err := sess.StartAsCaller(ctx, a.chatID, localUser, remoteUser); err != nil {
		return errors.Wrap(err, "start call")
	}

	a.await(ctx, sess)

	return nil
}

func (a *App) runCallee(ctx context.Context) error {
	watcher := call.NewWatcher(a.channel, a.registry, a.uid)

	incoming := make(chan *call.IncomingCall, 1)
	watcher.OnIncoming(func(ic *call.IncomingCall) {
		select {
		case incoming <- ic:
		default:
		}
	})

	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	log.Infof("waiting for calls to %s", a.uid)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ic := <-incoming:
			if ic == nil {
				continue
			}
			a.handleIncoming(ctx, ic)
		}
	}
}

func (a *App) handleIncoming(ctx context.Context, ic *call.IncomingCall) {
	if a.decline {
		if err := ic.Decline(ctx); err != nil {
			log.Error(err)
		}
		return
	}

	rec, err := ic.Accept(ctx)
	if err != nil {
		log.Error(errors.Wrap(err, "accept call"))
		return
	}

	sess := a.newSession()

	if err := sess.StartAsCallee(ctx, rec); err != nil {
		log.Error(errors.Wrap(err, "join call"))
		a.registry.Clear(rec.ID)
		return
	}

	a.await(ctx, sess)
}

func (a *App) newSession() *call.Session {
	return call.NewSession(call.SessionConfig{
		RingTimeout: a.ringTimeout,
	}, a.channel, a.capture, a.factory, a.registry)
}

// await blocks until the session terminates or the process is told to stop.
// Navigation away from a call must end it explicitly; the shutdown path does
// the same so no capture is leaked and no record stays non-terminal.
func (a *App) await(ctx context.Context, sess *call.Session) {
	select {
	case <-ctx.Done():
		sess.End("local shutdown")
		<-sess.Done()
	case <-sess.Done():
	}
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}

// deriveChatID builds the conversation ID of a UID pair the same way the
// surrounding application does: sorted, joined with an underscore.
func deriveChatID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)

	return strings.Join(pair, "_")
}
