package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"quantrelay/internal/config"
	"quantrelay/internal/crypto"
	"quantrelay/internal/domain"
	"quantrelay/internal/logger"
)

var (
	version = "0.3.0"

	configPath string
	logLevel   string
	logFormat  string

	rootCmd = &cobra.Command{
		Use:   "quantrelay",
		Short: "Post-quantum end-to-end encrypted message relay",
		Long: `QuantRelay - a real-time relay for end-to-end encrypted messages and call signaling.

Clients seal every message with a post-quantum KEM (ML-KEM-768 by default) and a
ChaCha-based stream cipher before it leaves the device. The relay only stores and
forwards envelopes; it never holds a private key.

🔐 CRYPTOGRAPHY:
• ML-KEM-768, Kyber-1024 or X-Wing key encapsulation
• HKDF-SHA256 key derivation, BLAKE2b-256 envelope tags
• Shared channel secrets for group conversations

📡 RELAY:
• WebSocket transport with JSON frames
• Delivery and read receipts that never move backwards
• Offline backlog replayed on reconnect
• Audio/video call signaling (offer, answer, ICE, end)`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				logger.Configure(logLevel, logFormat)
			}
			return nil
		},
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay until interrupted.

WHAT THIS DOES:
• Opens the SQLite store and loads channel membership
• Accepts websocket connections on server.listen_addr + server.path
• Reloads membership every delivery.membership_refresh
• Optionally advertises itself via mDNS and reports its public address via STUN`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate an identity key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kem, _ := cmd.Flags().GetString("kem")
			out, _ := cmd.Flags().GetString("out")
			return runKeygen(cfg, kem, out)
		},
	}

	identityCmd = &cobra.Command{
		Use:   "identity",
		Short: "Manage identities known to the relay",
	}

	identityAddCmd = &cobra.Command{
		Use:   "add <identity-id>",
		Short: "Register an identity's public key and issue a credential",
		Long: `Register an identity's public key and print a fresh bearer credential.

Only the public half of the key file is stored. The credential is shown once;
the relay keeps only its hash.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			keyFile, _ := cmd.Flags().GetString("key")
			return runIdentityAdd(cmd.Context(), cfg, args[0], keyFile)
		},
	}

	channelCmd = &cobra.Command{
		Use:   "channel",
		Short: "Manage channels",
	}

	channelAddCmd = &cobra.Command{
		Use:   "add <member>...",
		Short: "Create or replace a channel",
		Long: `Create or replace a channel.

USAGE EXAMPLES:
  quantrelay channel add alice bob                        # direct channel, id derived from the pair
  quantrelay channel add --kind group --id team alice bob carol

A running relay picks the change up on its next membership refresh.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kind, _ := cmd.Flags().GetString("kind")
			id, _ := cmd.Flags().GetString("id")
			return runChannelAdd(cmd.Context(), cfg, id, domain.ChannelKind(kind), args)
		},
	}

	sendCmd = &cobra.Command{
		Use:   "send <text>",
		Short: "Encrypt and send a message to one recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := connFlags(cmd)
			if err != nil {
				return err
			}
			channel, _ := cmd.Flags().GetString("channel")
			to, _ := cmd.Flags().GetString("to")
			return runSend(cmd.Context(), cfg, conn, channel, to, args[0])
		},
	}

	listenCmd = &cobra.Command{
		Use:   "listen",
		Short: "Print incoming messages, receipts and call signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := connFlags(cmd)
			if err != nil {
				return err
			}
			markRead, _ := cmd.Flags().GetBool("read")
			return runListen(cmd.Context(), cfg, conn, markRead)
		},
	}

	discoverCmd = &cobra.Command{
		Use:   "discover",
		Short: "Find a relay on the local network via mDNS",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			instance, _ := cmd.Flags().GetString("instance")
			if instance == "" {
				instance = cfg.Discovery.InstanceName
			}
			return runDiscover(cmd.Context(), instance, cfg.Discovery.DiscoveryTimeout)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (json, text)")

	keygenCmd.Flags().String("kem", "", fmt.Sprintf("KEM algorithm %v (default: crypto.kem_algorithm)", crypto.KEMIDs()))
	keygenCmd.Flags().StringP("out", "o", "identity.key", "where to write the key pair")

	identityAddCmd.Flags().StringP("key", "k", "identity.key", "key pair file written by keygen")
	identityCmd.AddCommand(identityAddCmd)

	channelAddCmd.Flags().String("kind", string(domain.ChannelDirect), "direct or group")
	channelAddCmd.Flags().String("id", "", "channel id (derived for direct channels)")
	channelCmd.AddCommand(channelAddCmd)

	for _, cmd := range []*cobra.Command{sendCmd, listenCmd} {
		cmd.Flags().String("url", "", "relay websocket URL (default: discover via mDNS)")
		cmd.Flags().StringP("key", "k", "identity.key", "key pair file")
		cmd.Flags().String("credential", "", "bearer credential (or QUANTRELAY_CREDENTIAL)")
	}
	sendCmd.Flags().String("channel", "", "channel id (default: the direct channel with --to)")
	sendCmd.Flags().String("to", "", "recipient identity id")
	sendCmd.MarkFlagRequired("to")
	listenCmd.Flags().Bool("read", false, "send read receipts instead of delivered receipts")

	discoverCmd.Flags().String("instance", "", "relay instance name (default from config)")

	rootCmd.AddCommand(serveCmd, keygenCmd, identityCmd, channelCmd, sendCmd, listenCmd, discoverCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel == "" && os.Getenv(logger.EnvLevel) == "" {
		logger.Configure(cfg.Log.Level, cfg.Log.Format)
	}
	return cfg, nil
}
