// Package node is the main process which handles the lifecycle of the entire
// coordination daemon. It wires the engines together and registers them with
// a service registry, where they are started and stopped as one unit.
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"

	"github.com/miragelabs/mirage/cmd/coordinator/flags"
	"github.com/miragelabs/mirage/coordinator/credits"
	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/db/kv"
	flagsvc "github.com/miragelabs/mirage/coordinator/flags"
	"github.com/miragelabs/mirage/coordinator/governance"
	"github.com/miragelabs/mirage/coordinator/opsync"
	"github.com/miragelabs/mirage/coordinator/overlay"
	"github.com/miragelabs/mirage/coordinator/payouts"
	"github.com/miragelabs/mirage/coordinator/peers"
	"github.com/miragelabs/mirage/coordinator/pools"
	"github.com/miragelabs/mirage/coordinator/poot"
	"github.com/miragelabs/mirage/coordinator/registration"
	"github.com/miragelabs/mirage/coordinator/sharding"
	"github.com/miragelabs/mirage/coordinator/tron"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared"
	"github.com/miragelabs/mirage/shared/backuputil"
	"github.com/miragelabs/mirage/shared/cmd"
	"github.com/miragelabs/mirage/shared/debug"
	"github.com/miragelabs/mirage/shared/featureconfig"
	"github.com/miragelabs/mirage/shared/keystore"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/prometheus"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/miragelabs/mirage/shared/tracing"
	"github.com/miragelabs/mirage/shared/version"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"
)

var log = logrus.WithField("prefix", "node")

const (
	// keystoreDirName is the data dir subdirectory holding the identity key.
	keystoreDirName = "keystore"
	// identityKeyFileName is the encrypted identity key file.
	identityKeyFileName = "identity.json"
)

// CoordinatorNode defines a struct that handles the services running a mirage
// coordination node. It handles the lifecycle of the entire system and
// registers services to a service registry.
type CoordinatorNode struct {
	cliCtx   *cli.Context
	ctx      context.Context
	cancel   context.CancelFunc
	services *shared.ServiceRegistry
	lock     sync.RWMutex
	stop     chan struct{} // Channel to wait for termination notifications.
	db       db.Database
	identity *keystore.Key
	overlay  *overlay.Client
	tron     tron.Client
}

// New creates a new node instance, sets up configuration options, and registers
// every required service to the node.
func New(cliCtx *cli.Context) (*CoordinatorNode, error) {
	serviceName := "coordinator"
	if cliCtx.IsSet(cmd.TracingProcessNameFlag.Name) {
		serviceName = cliCtx.String(cmd.TracingProcessNameFlag.Name)
	}
	if err := tracing.Setup(
		serviceName,
		cliCtx.String(cmd.TracingEndpointFlag.Name),
		cliCtx.Float64(cmd.TraceSampleFractionFlag.Name),
		cliCtx.Bool(cmd.EnableTracingFlag.Name),
	); err != nil {
		return nil, err
	}

	featureconfig.ConfigureCoordinator(cliCtx)
	cmd.ConfigureCoordinator(cliCtx)

	if cliCtx.IsSet(cmd.NetworkParamsFileFlag.Name) {
		params.LoadConfigFile(cliCtx.String(cmd.NetworkParamsFileFlag.Name))
	}
	if cliCtx.IsSet(cmd.OverlayConfigFileFlag.Name) {
		params.LoadNetworkConfigFile(cliCtx.String(cmd.OverlayConfigFileFlag.Name))
	}
	if cliCtx.IsSet(cmd.BootstrapPeersFlag.Name) {
		c := params.OverlayNetworkConfig()
		c.BootstrapPeers = cliCtx.StringSlice(cmd.BootstrapPeersFlag.Name)
		params.OverrideOverlayNetworkConfig(c)
	}

	registry := shared.NewServiceRegistry()

	ctx, cancel := context.WithCancel(cliCtx.Context)
	node := &CoordinatorNode{
		cliCtx:   cliCtx,
		ctx:      ctx,
		cancel:   cancel,
		services: registry,
		stop:     make(chan struct{}),
	}

	if err := node.startDB(cliCtx); err != nil {
		cancel()
		return nil, err
	}

	if err := node.startIdentity(cliCtx); err != nil {
		cancel()
		return nil, err
	}

	if err := node.startClients(cliCtx); err != nil {
		cancel()
		return nil, err
	}

	if err := node.registerPeerService(); err != nil {
		return nil, err
	}

	if err := node.registerCreditsService(); err != nil {
		return nil, err
	}

	if err := node.registerPoOTService(); err != nil {
		return nil, err
	}

	if err := node.registerRegistrationService(); err != nil {
		return nil, err
	}

	if err := node.registerFlagService(); err != nil {
		return nil, err
	}

	if err := node.registerGovernanceService(); err != nil {
		return nil, err
	}

	if err := node.registerOperatorSyncService(cliCtx); err != nil {
		return nil, err
	}

	if err := node.registerPoolService(); err != nil {
		return nil, err
	}

	if err := node.registerShardingService(); err != nil {
		return nil, err
	}

	if err := node.registerPayoutService(cliCtx); err != nil {
		return nil, err
	}

	if err := node.registerOverlayServer(cliCtx); err != nil {
		return nil, err
	}

	if !cliCtx.Bool(cmd.DisableMonitoringFlag.Name) {
		if err := node.registerPrometheusService(cliCtx); err != nil {
			return nil, err
		}
	}

	return node, nil
}

// Start the CoordinatorNode and kicks off every registered service.
func (c *CoordinatorNode) Start() {
	c.lock.Lock()

	log.WithFields(logrus.Fields{
		"version": version.GetVersion(),
		"nodeID":  c.NodeID(),
	}).Info("Starting coordinator node")

	c.services.StartAll()

	stop := c.stop
	c.lock.Unlock()

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigc)
		<-sigc
		log.Info("Got interrupt, shutting down...")
		debug.Exit(c.cliCtx) // Ensure trace and CPU profile data are flushed.
		go c.Close()
		for i := 10; i > 0; i-- {
			<-sigc
			if i > 1 {
				log.WithField("times", i-1).Info("Already shutting down, interrupt more to panic")
			}
		}
		panic("Panic closing the coordinator node")
	}()

	// Wait for stop channel to be closed.
	<-stop
}

// Close handles graceful shutdown of the system.
func (c *CoordinatorNode) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()

	log.Info("Stopping coordinator node")
	c.services.StopAll()
	if err := c.db.Close(); err != nil {
		log.Errorf("Failed to close database: %v", err)
	}
	c.cancel()
	close(c.stop)
}

// NodeID is the identifier derived from this daemon's identity key.
func (c *CoordinatorNode) NodeID() string {
	if c.identity == nil {
		return ""
	}
	return types.NodeIDFromPublicKey(c.identity.PublicKey)
}

func (c *CoordinatorNode) startDB(cliCtx *cli.Context) error {
	baseDir := cliCtx.String(cmd.DataDirFlag.Name)
	if baseDir == "" {
		baseDir = cmd.DefaultDataDir()
		if baseDir == "" {
			return errors.New("could not determine a home directory, please specify --datadir")
		}
	}
	dbPath := filepath.Join(baseDir, kv.CoordinatorDbDirName)
	clearDB := cliCtx.Bool(cmd.ClearDB.Name)
	forceClearDB := cliCtx.Bool(cmd.ForceClearDB.Name)

	log.WithField("database-path", dbPath).Info("Checking DB")

	d, err := db.NewDB(c.ctx, dbPath, &kv.Config{
		InitialMMapSize: cliCtx.Int(cmd.BoltMMapInitialSizeFlag.Name),
	})
	if err != nil {
		return err
	}
	clearDBConfirmed := false
	if clearDB && !forceClearDB {
		actionText := "This will delete your coordinator database stored in your data directory. " +
			"Your database backups will not be removed - do you want to proceed? (Y/N)"
		deniedText := "Database will not be deleted. No changes have been made."
		clearDBConfirmed, err = cmd.ConfirmAction(actionText, deniedText)
		if err != nil {
			return err
		}
	}
	if clearDBConfirmed || forceClearDB {
		log.Warning("Removing database")
		if err := d.Close(); err != nil {
			return errors.Wrap(err, "could not close db prior to clearing")
		}
		if err := d.ClearDB(); err != nil {
			return errors.Wrap(err, "could not clear database")
		}
		d, err = db.NewDB(c.ctx, dbPath, &kv.Config{
			InitialMMapSize: cliCtx.Int(cmd.BoltMMapInitialSizeFlag.Name),
		})
		if err != nil {
			return errors.Wrap(err, "could not create new database")
		}
	}

	c.db = d
	return nil
}

// startIdentity loads the daemon's identity key, generating and persisting a
// fresh one on first start. The node identifier every engine sees derives
// from this key.
func (c *CoordinatorNode) startIdentity(cliCtx *cli.Context) error {
	keysDir := cliCtx.String(flags.KeystorePathFlag.Name)
	if keysDir == "" {
		baseDir := cliCtx.String(cmd.DataDirFlag.Name)
		if baseDir == "" {
			baseDir = cmd.DefaultDataDir()
		}
		keysDir = filepath.Join(baseDir, keystoreDirName)
	}
	password := cliCtx.String(flags.KeystorePasswordFlag.Name)

	store := keystore.NewKeystore(keysDir)
	keyFile := store.JoinPath(identityKeyFileName)
	key, err := store.GetKey(keyFile, password)
	if err == nil {
		c.identity = key
		log.WithField("nodeID", c.NodeID()).Info("Loaded node identity")
		return nil
	}
	if !os.IsNotExist(err) {
		return errors.Wrap(err, "could not open identity keystore")
	}

	key, err = keystore.NewKey(rand.Reader)
	if err != nil {
		return errors.Wrap(err, "could not generate identity key")
	}
	if err := store.StoreKey(keyFile, key, password); err != nil {
		return errors.Wrap(err, "could not persist identity key")
	}
	c.identity = key
	log.WithField("nodeID", c.NodeID()).Info("Generated new node identity")
	return nil
}

func (c *CoordinatorNode) startClients(cliCtx *cli.Context) error {
	socksAddr := cliCtx.String(cmd.SocksProxyFlag.Name)
	if socksAddr == "" {
		socksAddr = params.OverlayNetworkConfig().SocksProxyAddress
	}
	overlayClient, err := overlay.NewClient(socksAddr)
	if err != nil {
		return errors.Wrap(err, "could not build overlay client")
	}
	c.overlay = overlayClient

	c.tron = tron.NewHTTPClient(&tron.Config{
		Endpoint: cliCtx.String(flags.TronEndpointFlag.Name),
		APIKey:   cliCtx.String(flags.TronAPIKeyFlag.Name),
	})
	return nil
}

func (c *CoordinatorNode) registerPeerService() error {
	bootstrapPeers, err := expandBootstrapPeers(params.OverlayNetworkConfig().BootstrapPeers)
	if err != nil {
		return err
	}
	svc := peers.NewService(c.ctx, &peers.Config{
		Database:       c.db,
		Overlay:        c.overlay,
		BootstrapPeers: bootstrapPeers,
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerCreditsService() error {
	var p *peers.Service
	if err := c.services.FetchService(&p); err != nil {
		return err
	}
	svc := credits.NewService(c.ctx, &credits.Config{
		Database: c.db,
		Verifier: peers.NewVerifier(p.Directory()),
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerPoOTService() error {
	var p *peers.Service
	if err := c.services.FetchService(&p); err != nil {
		return err
	}
	svc := poot.NewService(c.ctx, &poot.Config{
		Database: c.db,
		Verifier: peers.NewVerifier(p.Directory()),
		Chain:    c.tron,
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerRegistrationService() error {
	var p *peers.Service
	if err := c.services.FetchService(&p); err != nil {
		return err
	}
	var stakes *poot.Service
	if err := c.services.FetchService(&stakes); err != nil {
		return err
	}
	svc := registration.NewService(c.ctx, &registration.Config{
		Database:  c.db,
		Prober:    c.overlay,
		Stakes:    stakes,
		Directory: p,
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerFlagService() error {
	var p *peers.Service
	if err := c.services.FetchService(&p); err != nil {
		return err
	}
	var cr *credits.Service
	if err := c.services.FetchService(&cr); err != nil {
		return err
	}
	svc := flagsvc.NewService(c.ctx, &flagsvc.Config{
		Database: c.db,
		Peers:    p,
		Credits:  cr,
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerGovernanceService() error {
	var p *peers.Service
	if err := c.services.FetchService(&p); err != nil {
		return err
	}
	var cr *credits.Service
	if err := c.services.FetchService(&cr); err != nil {
		return err
	}
	var stakes *poot.Service
	if err := c.services.FetchService(&stakes); err != nil {
		return err
	}
	svc := governance.NewService(c.ctx, &governance.Config{
		Database: c.db,
		Peers:    p,
		Credits:  cr,
		Stakes:   stakes,
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerOperatorSyncService(cliCtx *cli.Context) error {
	role := types.OperatorRole(cliCtx.String(flags.OperatorRoleFlag.Name))
	if role == "" {
		role = types.OperatorSecondary
	}
	if !types.ValidOperatorRole(role) {
		return errors.Errorf("unknown operator role %q", role)
	}
	operatorID := cliCtx.String(flags.OperatorIDFlag.Name)
	if operatorID == "" {
		operatorID = c.NodeID()
	}
	svc := opsync.NewService(c.ctx, &opsync.Config{
		Database:   c.db,
		OperatorID: operatorID,
		NodeID:     c.NodeID(),
		Role:       role,
		Endpoint:   cliCtx.String(flags.OverlayEndpointFlag.Name),
		PublicKey:  c.identity.PublicKey,
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerPoolService() error {
	var cr *credits.Service
	if err := c.services.FetchService(&cr); err != nil {
		return err
	}
	var sync *opsync.Service
	if err := c.services.FetchService(&sync); err != nil {
		return err
	}
	svc := pools.NewService(c.ctx, &pools.Config{
		Database:   c.db,
		Credits:    cr,
		Replicator: &poolReplicator{sync: sync},
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerShardingService() error {
	var p *peers.Service
	if err := c.services.FetchService(&p); err != nil {
		return err
	}
	svc := sharding.NewService(c.ctx, &sharding.Config{
		Database:  c.db,
		Overlay:   c.overlay,
		Directory: p,
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerPayoutService(cliCtx *cli.Context) error {
	var p *pools.Service
	if err := c.services.FetchService(&p); err != nil {
		return err
	}
	svc := payouts.NewService(c.ctx, &payouts.Config{
		Database:      c.db,
		Tron:          c.tron,
		Rewards:       p.RewardFeed(),
		WalletAddress: cliCtx.String(flags.PayoutWalletFlag.Name),
		BatchMode:     cliCtx.Bool(flags.EnablePayoutBatchingFlag.Name),
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerOverlayServer(cliCtx *cli.Context) error {
	var p *peers.Service
	if err := c.services.FetchService(&p); err != nil {
		return err
	}
	// Shard and blob serving are host duties. The coordinator answers the
	// directory and health routes and 404s the storage routes.
	svc := overlay.NewServer(c.ctx, &overlay.Config{
		ListenAddr: cliCtx.String(flags.OverlayListenAddrFlag.Name),
		Peers:      &peerCatalog{svc: p},
		Metrics:    &healthSampler{},
	})
	return c.services.RegisterService(svc)
}

func (c *CoordinatorNode) registerPrometheusService(cliCtx *cli.Context) error {
	var additionalHandlers []prometheus.Handler
	if cliCtx.IsSet(cmd.EnableBackupWebhookFlag.Name) {
		additionalHandlers = append(
			additionalHandlers,
			prometheus.Handler{
				Path:    "/db/backup",
				Handler: backuputil.BackupHandler(c.db),
			},
		)
	}

	service := prometheus.NewPrometheusService(
		fmt.Sprintf("%s:%d", cliCtx.String(cmd.MonitoringHostFlag.Name), cliCtx.Int(flags.MonitoringPortFlag.Name)),
		c.services,
		additionalHandlers...,
	)
	hook := prometheus.NewLogrusCollector()
	logrus.AddHook(hook)
	return c.services.RegisterService(service)
}

// expandBootstrapPeers resolves YAML file entries in the bootstrap list to
// the node@endpoint entries they contain.
func expandBootstrapPeers(entries []string) ([]string, error) {
	expanded := make([]string, 0, len(entries))
	for _, entry := range entries {
		if filepath.Ext(entry) != ".yaml" {
			expanded = append(expanded, entry)
			continue
		}
		fileContent, err := ioutil.ReadFile(entry) // #nosec G304
		if err != nil {
			return nil, errors.Wrapf(err, "could not read bootstrap file %s", entry)
		}
		listed := make([]string, 0)
		if err := yaml.Unmarshal(fileContent, &listed); err != nil {
			return nil, errors.Wrapf(err, "could not parse bootstrap file %s", entry)
		}
		expanded = append(expanded, listed...)
	}
	return expanded, nil
}

// peerCatalog adapts the peer directory to the overlay server's provider
// surface.
type peerCatalog struct {
	svc *peers.Service
}

// ActivePeers lists the directory entries published on /api/peers.
func (p *peerCatalog) ActivePeers() []*types.Peer {
	return p.svc.GetActivePeers()
}

// poolReplicator mirrors pool ledger mutations into the operator sync queue
// so the other coordinators of the group converge on the same pool state.
type poolReplicator struct {
	sync *opsync.Service
}

// ReplicatePoolOperation files the mutation as a low priority state update.
func (r *poolReplicator) ReplicatePoolOperation(ctx context.Context, poolID, kind string, payload map[string]float64) error {
	state := make(map[string]interface{}, len(payload))
	for member, amount := range payload {
		state[fmt.Sprintf("pool/%s/%s/%s", poolID, kind, member)] = amount
	}
	if len(state) == 0 {
		state[fmt.Sprintf("pool/%s/%s", poolID, kind)] = timeutils.Now().Unix()
	}
	_, err := r.sync.SubmitOperation(ctx, types.OpStateUpdate, state, nil, types.OpPriorityMin)
	return err
}

// healthSampler answers the daemon's own /health/metrics probe.
type healthSampler struct{}

// NodeMetrics reports a liveness sample for the answering process. Peers
// derive long term uptime from beacon history, not from this sample.
func (h *healthSampler) NodeMetrics() *overlay.NodeMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return &overlay.NodeMetrics{
		Uptime: 1,
		Memory: float64(m.Alloc) / (1 << 20),
	}
}
