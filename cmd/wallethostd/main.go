package main

import (
	"fmt"

	"github.com/nearkit/wallet-host/internal/adminapi"
	"github.com/nearkit/wallet-host/internal/config"
	"github.com/nearkit/wallet-host/internal/confirmation"
	"github.com/nearkit/wallet-host/internal/hostd"
	"github.com/nearkit/wallet-host/internal/keystore"
	"github.com/nearkit/wallet-host/internal/logging"
	"github.com/nearkit/wallet-host/internal/nearrpc"
	"github.com/nearkit/wallet-host/internal/prefs"
	"github.com/nearkit/wallet-host/internal/signer"
	"github.com/nearkit/wallet-host/internal/store"
	"github.com/nearkit/wallet-host/internal/transport"
	"github.com/nearkit/wallet-host/internal/vrf"
	"github.com/nearkit/wallet-host/internal/webauthnx"
)

func main() {
	log := logging.New("wallethostd", "info")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ config")
	}
	log = logging.New("wallethostd", cfg.LogLevel)

	log.Info().Msg("🔌 connecting to database...")
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ failed to connect to database")
	}
	log.Info().Msg("🔄 running database migrations...")
	if err := db.AutoMigrate(store.AllModels()...); err != nil {
		log.Fatal().Err(err).Msg("❌ failed to run migrations")
	}
	log.Info().Msg("✓ database ready")

	log.Info().Msg("🔐 initializing WebAuthn...")
	webAuthn, err := webauthnx.New(db, cfg.RPID, cfg.RPName, cfg.RPOrigin)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ failed to initialize WebAuthn")
	}

	rpc := nearrpc.New(cfg.NearRPCURLs, cfg.NearRPCTimeout, log)
	keys := keystore.New(db)
	preferences := prefs.New(db)
	confirm := confirmation.New()

	var vrfMgr *vrf.Manager
	if cfg.VaultAddr != "" {
		log.Info().Msg("🔑 connecting to Vault for VRF server-assisted unlock...")
		vrfMgr, err = vrf.New(vrf.VaultConfig{Addr: cfg.VaultAddr, Token: cfg.VaultToken}, keys, log)
		if err != nil {
			log.Fatal().Err(err).Msg("❌ failed to initialize VRF manager")
		}
	}

	host := hostd.New(hostd.Deps{
		WebAuthn:   webAuthn,
		Keys:       keys,
		Prefs:      preferences,
		RPC:        rpc,
		VRF:        vrfMgr,
		Confirm:    confirm,
		Log:        log,
		RPID:       cfg.RPID,
		RPOverride: cfg.RPIDOverride,
	})
	host.SetSigner(signer.New(signer.Deps{
		WebAuthn: webAuthn,
		Ceremony: host.Ceremony(),
		VRF:      vrfMgr,
		Confirm:  confirm,
		Keys:     keys,
		Prefs:    preferences,
		RPC:      rpc,
		Log:      log,
	}))

	wsServer := transport.NewServer(host, log)
	router := adminapi.SetupRouter(adminapi.Deps{
		Confirm:   confirm,
		Prefs:     preferences,
		Log:       log,
		WSHandler: wsServer,
	})

	fmt.Printf(`
╔═══════════════════════════════════════╗
║   WALLET HOST DAEMON                  ║
║   Powered by Go + WebAuthn PRF + NEAR ║
║                                       ║
║   🌐 Listen: http://localhost:%s     ║
║   🔌 Envelope transport: /ws          ║
║   ⛓️  Network: %-23s║
╚═══════════════════════════════════════╝
`, cfg.Port, cfg.NearNetworkID)

	log.Info().Str("port", cfg.Port).Msg("🚀 wallet host starting")
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("❌ failed to start wallet host")
	}
}
