// Package flags contains all configuration runtime flags for
// the coordinator daemon.
package flags

import (
	"github.com/urfave/cli/v2"
)

var (
	// Overlay flags.

	// OverlayListenAddrFlag defines the address the overlay HTTP server binds to.
	// A hidden service or reverse proxy forwards overlay traffic here.
	OverlayListenAddrFlag = &cli.StringFlag{
		Name:  "overlay-listen-addr",
		Usage: "host:port the overlay server listens on for peer requests",
		Value: "127.0.0.1:4000",
	}
	// OverlayEndpointFlag defines the endpoint this daemon advertises to other
	// operators, typically an onion address when running behind the overlay.
	OverlayEndpointFlag = &cli.StringFlag{
		Name:  "overlay-endpoint",
		Usage: "Public endpoint this daemon advertises to its operator group",
	}
	// MonitoringPortFlag defines the http port used to serve prometheus metrics.
	MonitoringPortFlag = &cli.IntFlag{
		Name:  "monitoring-port",
		Usage: "Port used to listening and respond metrics for prometheus.",
		Value: 8080,
	}

	// Operator sync flags.

	// OperatorIDFlag identifies this daemon inside its operator sync group.
	// Defaults to the node identity when left empty.
	OperatorIDFlag = &cli.StringFlag{
		Name:  "operator-id",
		Usage: "Identifier this daemon registers under in the operator sync group",
	}
	// OperatorRoleFlag defines the sync role this daemon takes in its group.
	OperatorRoleFlag = &cli.StringFlag{
		Name:  "operator-role",
		Usage: "Sync role of this daemon: primary, secondary, backup, witness or coordinator",
		Value: "secondary",
	}

	// Value network flags.

	// TronEndpointFlag defines the REST gateway used for stake lookups and
	// USDT transfers.
	TronEndpointFlag = &cli.StringFlag{
		Name:  "tron-endpoint",
		Usage: "TRON gateway REST endpoint for balance queries and transfers",
		Value: "https://api.trongrid.io",
	}
	// TronAPIKeyFlag authenticates requests against the TRON gateway.
	TronAPIKeyFlag = &cli.StringFlag{
		Name:  "tron-api-key",
		Usage: "API key sent with every TRON gateway request",
	}
	// PayoutWalletFlag defines the wallet address payouts are sent from.
	PayoutWalletFlag = &cli.StringFlag{
		Name:  "payout-wallet",
		Usage: "Wallet address USDT payouts are drawn from",
	}
	// EnablePayoutBatchingFlag groups pending payouts into batches instead of
	// settling them one by one.
	EnablePayoutBatchingFlag = &cli.BoolFlag{
		Name:  "enable-payout-batching",
		Usage: "Settle pending payouts in grouped batches",
		Value: false,
	}

	// Identity flags.

	// KeystorePathFlag defines the directory holding the encrypted node
	// identity key. Defaults to a keystore directory under the data dir.
	KeystorePathFlag = &cli.StringFlag{
		Name:  "keystore-path",
		Usage: "Directory holding the encrypted node identity key",
	}
	// KeystorePasswordFlag decrypts the node identity keystore.
	KeystorePasswordFlag = &cli.StringFlag{
		Name:  "keystore-password",
		Usage: "Password unlocking the node identity keystore",
		Value: "",
	}
)
