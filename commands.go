package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"quantrelay/internal/client"
	"quantrelay/internal/config"
	"quantrelay/internal/crypto"
	"quantrelay/internal/delivery"
	"quantrelay/internal/discovery"
	"quantrelay/internal/domain"
	"quantrelay/internal/ids"
	"quantrelay/internal/logger"
	"quantrelay/internal/registry"
	"quantrelay/internal/signaling"
	"quantrelay/internal/store"
)

// EnvCredential is read when --credential is not given
const EnvCredential = "QUANTRELAY_CREDENTIAL"

const shutdownTimeout = 5 * time.Second

func runServe(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log := logger.Component("relay")

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reg := registry.New()
	channels, err := st.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("failed to load channels: %w", err)
	}
	if err := reg.Replace(channels); err != nil {
		log.Warn("some channels were skipped", "error", err)
	}

	hub, err := delivery.NewHub(delivery.OptionsFromConfig(cfg), delivery.Deps{
		Identities: st,
		Members:    reg,
		Messages:   st,
		Events:     delivery.LogSink{Logger: logger.Component("events")},
		Logger:     logger.Component("delivery"),
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.Path, delivery.NewHandler(hub, cfg.Server.ReadLimit, nil))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		n, err := hub.Connections(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "ok %d\n", n)
	})

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: cfg.Server.AuthTimeout}
	port := ln.Addr().(*net.TCPAddr).Port

	fmt.Printf("🔐 QuantRelay listening\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("🏠 Local: ws://%s%s\n", ln.Addr(), cfg.Server.Path)
	fmt.Printf("🔑 KEMs: %v\n", crypto.KEMIDs())
	fmt.Printf("📡 Channels loaded: %d\n", reg.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		reg.Sync(gctx, st, cfg.Delivery.MembershipRefresh, log)
		return nil
	})

	if cfg.Discovery.EnableMDNS {
		if err := discovery.Advertise(gctx, cfg.Discovery.InstanceName, port, cfg.Server.Path); err != nil {
			fmt.Printf("⚠️  Warning: mDNS advertisement failed: %v\n", err)
		} else {
			fmt.Printf("📡 mDNS instance: %s\n", cfg.Discovery.InstanceName)
		}
	}
	if cfg.Discovery.EnableSTUN {
		g.Go(func() error {
			addr, err := discovery.ExternalAddr(cfg.Discovery.STUNServers, cfg.Discovery.DiscoveryTimeout)
			if err != nil {
				log.Warn("could not determine external address", "error", err)
				return nil
			}
			log.Info("external address", "addr", addr)
			fmt.Printf("🌐 Public address (UDP mapping): %s\n", addr)
			return nil
		})
	}
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")

	return g.Wait()
}

func runKeygen(cfg *config.Config, kemID, out string) error {
	if kemID == "" {
		kemID = cfg.Crypto.KEMAlgorithm
	}
	k, err := crypto.KEMByID(kemID)
	if err != nil {
		return err
	}
	kp, err := k.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}
	data, err := json.MarshalIndent(kp, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	fmt.Printf("🔑 %s key pair written to %s\n", kp.KEM, out)
	fmt.Printf("   Fingerprint: %s\n", crypto.KeyFingerprint(kp.PublicKey))
	fmt.Printf("⚠️  Keep this file private; register it with: quantrelay identity add <id> --key %s\n", out)
	return nil
}

func readKeyPair(path string) (*crypto.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var kp crypto.KeyPair
	if err := json.Unmarshal(data, &kp); err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	if _, err := crypto.KEMByID(kp.KEM); err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	if len(kp.PublicKey) == 0 {
		return nil, fmt.Errorf("key file %s has no public key", path)
	}
	return &kp, nil
}

func runIdentityAdd(ctx context.Context, cfg *config.Config, id, keyFile string) error {
	kp, err := readKeyPair(keyFile)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if err := st.PutIdentity(ctx, domain.Identity{ID: id, KEM: kp.KEM, PublicKey: kp.PublicKey}); err != nil {
		return err
	}
	token, err := st.IssueCredential(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("✅ Identity %s registered (%s)\n", id, kp.KEM)
	fmt.Printf("🔑 Fingerprint: %s\n", crypto.KeyFingerprint(kp.PublicKey))
	fmt.Printf("🎫 Credential (shown once): %s\n", token)
	return nil
}

func runChannelAdd(ctx context.Context, cfg *config.Config, id string, kind domain.ChannelKind, members []string) error {
	if id == "" {
		if kind != domain.ChannelDirect || len(members) != 2 {
			return errors.New("--id is required unless adding a direct channel between two members")
		}
		id = ids.DirectChannelID(members[0], members[1])
	}
	ch := domain.Channel{ID: id, Kind: kind, Members: members}
	if err := ch.Validate(); err != nil {
		return err
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if err := st.PutChannel(ctx, ch); err != nil {
		return err
	}
	fmt.Printf("✅ %s channel %s: %v\n", kind, id, members)
	return nil
}

type connOptions struct {
	url        string
	keyFile    string
	credential string
}

func connFlags(cmd *cobra.Command) (connOptions, error) {
	var o connOptions
	o.url, _ = cmd.Flags().GetString("url")
	o.keyFile, _ = cmd.Flags().GetString("key")
	o.credential, _ = cmd.Flags().GetString("credential")
	if o.credential == "" {
		o.credential = os.Getenv(EnvCredential)
	}
	if o.credential == "" {
		return o, fmt.Errorf("a credential is required (--credential or %s)", EnvCredential)
	}
	return o, nil
}

// connect dials the relay, discovering it via mDNS when no URL is given,
// and authenticates
func connect(ctx context.Context, cfg *config.Config, o connOptions) (*client.Client, *delivery.AuthenticateResult, error) {
	keys, err := readKeyPair(o.keyFile)
	if err != nil {
		return nil, nil, err
	}

	url := o.url
	if url == "" {
		fmt.Printf("🔍 Looking for relay %q on the local network...\n", cfg.Discovery.InstanceName)
		relay, err := discovery.Lookup(ctx, cfg.Discovery.InstanceName, cfg.Discovery.DiscoveryTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("relay discovery failed: %w\n\n💡 Pass --url ws://host:port/ws to connect directly", err)
		}
		url = relay.URL
	}

	c, err := client.Dial(ctx, url, keys,
		client.WithLogger(logger.Component("client")),
		client.WithCrypto(crypto.WithChannelCacheSize(cfg.Crypto.ChannelCacheSize)),
	)
	if err != nil {
		return nil, nil, err
	}
	res, err := c.Authenticate(ctx, o.credential)
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("authentication failed: %w", err)
	}
	return c, res, nil
}

func runSend(parent context.Context, cfg *config.Config, o connOptions, channelID, to, text string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, auth, err := connect(ctx, cfg, o)
	if err != nil {
		return err
	}
	defer c.Close()

	if channelID == "" {
		channelID = ids.DirectChannelID(auth.IdentityID, to)
	}
	res, err := c.SendText(ctx, channelID, to, text, "")
	if err != nil {
		return err
	}
	fmt.Printf("📨 Sent %s to %s in %s\n", ids.Short(res.MessageID), to, channelID)
	return nil
}

func runListen(parent context.Context, cfg *config.Config, o connOptions, markRead bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, auth, err := connect(ctx, cfg, o)
	if err != nil {
		return err
	}
	defer c.Close()

	receipt := domain.StateDelivered
	if markRead {
		receipt = domain.StateRead
	}

	fmt.Printf("🔐 Connected as %s\n", auth.IdentityID)
	fmt.Printf("📡 Channels: %v\n", auth.Channels)
	if auth.Replayed > 0 {
		fmt.Printf("📬 %d messages waiting\n", auth.Replayed)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return c.Err()
		case f, ok := <-c.Events():
			if !ok {
				return c.Err()
			}
			if err := printEvent(ctx, c, f, receipt); err != nil {
				fmt.Printf("⚠️  %v\n", err)
			}
		}
	}
}

func printEvent(ctx context.Context, c *client.Client, f delivery.Frame, receipt domain.DeliveryState) error {
	switch f.Op {
	case delivery.EventMessageCreated:
		msg, err := client.DecodeMessage(f)
		if err != nil {
			return err
		}
		if msg.Type == client.TypeChannelKey {
			secretID, err := c.ImportChannelKey(msg)
			if errors.Is(err, client.ErrShareNotForUs) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("channel key from %s: %w", msg.SenderID, err)
			}
			fmt.Printf("🔑 [%s] %s shared channel key %s\n", msg.ChannelID, msg.SenderID, ids.Short(secretID))
			return nil
		}
		text, err := c.Open(msg)
		if err != nil {
			return fmt.Errorf("message %s from %s: %w", ids.Short(msg.ID), msg.SenderID, err)
		}
		fmt.Printf("💬 [%s] %s: %s\n", msg.ChannelID, msg.SenderID, text)
		_, err = c.Receipt(ctx, msg.ID, receipt)
		return err

	case delivery.EventMessageReceipt:
		var ev delivery.ReceiptEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return err
		}
		fmt.Printf("✔️  %s %s by %s\n", ids.Short(ev.MessageID), ev.State, ev.RecipientID)

	case delivery.EventPresence:
		var ev delivery.PresenceEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			return err
		}
		switch {
		case ev.Status != "":
			fmt.Printf("👤 %s is %s\n", ev.IdentityID, ev.Status)
		case ev.IsTyping:
			fmt.Printf("✏️  %s is typing in %s\n", ev.IdentityID, ev.ChannelID)
		}

	case delivery.EventCallSignal:
		var sig signaling.Signal
		if err := json.Unmarshal(f.Data, &sig); err != nil {
			return err
		}
		fmt.Printf("📞 call %s: %s from %s", ids.Short(sig.CallID), sig.Type, sig.From)
		if sig.Reason != "" {
			fmt.Printf(" (%s)", sig.Reason)
		}
		fmt.Println()
	}
	return nil
}

func runDiscover(ctx context.Context, instance string, timeout time.Duration) error {
	fmt.Printf("🔍 Browsing for relay %q...\n", instance)
	relay, err := discovery.Lookup(ctx, instance, timeout)
	if err != nil {
		return err
	}
	fmt.Printf("✅ Found %s at %s\n", relay.Instance, relay.Addr)
	fmt.Printf("   %s\n", relay.URL)
	return nil
}

