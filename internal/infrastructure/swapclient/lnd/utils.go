package lnd

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/tdex-network/swapd/internal/core/ports"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var noRouteMessages = []string{
	"unable to find a path",
	"no route",
	"insufficient local balance",
	"unable to route",
}

func dial(cfg Config) (*grpc.ClientConn, string, error) {
	creds := insecure.NewCredentials()
	if cfg.CertPath != "" {
		pool, err := readCertPool(cfg.CertPath)
		if err != nil {
			return nil, "", err
		}
		creds = credentials.NewClientTLSFromCert(pool, "")
	}

	macaroon := ""
	if cfg.MacaroonPath != "" {
		macBytes, err := os.ReadFile(cfg.MacaroonPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read macaroon: %w", err)
		}
		macaroon = hex.EncodeToString(macBytes)
	}

	conn, err := grpc.NewClient(
		cfg.address(), grpc.WithTransportCredentials(creds),
	)
	if err != nil {
		return nil, "", err
	}
	return conn, macaroon, nil
}

func readCertPool(certPath string) (*x509.CertPool, error) {
	tlsBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tls cert: %w", err)
	}

	block, _ := pem.Decode(tlsBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New(
			"failed to decode PEM block containing tls certificate",
		)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool, nil
}

func getCtx(ctx context.Context, macaroon string) context.Context {
	if macaroon == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "macaroon", macaroon)
}

func paymentErrorKind(msg string) ports.SwapClientErrorKind {
	msg = strings.ToLower(msg)
	for _, m := range noRouteMessages {
		if strings.Contains(msg, m) {
			return ports.ErrKindNoRouteFound
		}
	}
	return ports.ErrKindSendPaymentFailure
}

func paymentStatus(payment *lnrpc.Payment) (ports.PaymentStatus, error) {
	switch payment.GetStatus() {
	case lnrpc.Payment_SUCCEEDED:
		preimage, err := lntypes.MakePreimageFromStr(payment.GetPaymentPreimage())
		if err != nil {
			return ports.PaymentStatus{}, fmt.Errorf(
				"invalid preimage for settled payment: %w", err,
			)
		}
		return ports.PaymentStatus{
			State:    ports.PaymentStateSucceeded,
			Preimage: &preimage,
		}, nil
	case lnrpc.Payment_FAILED:
		return ports.PaymentStatus{State: ports.PaymentStateFailed}, nil
	default:
		return ports.PaymentStatus{State: ports.PaymentStateInFlight}, nil
	}
}

func (c *Client) lookupError(err error) (ports.PaymentStatus, error) {
	switch status.Code(err) {
	case codes.NotFound:
		return ports.PaymentStatus{State: ports.PaymentStateUnknown}, nil
	case codes.DeadlineExceeded:
		return ports.PaymentStatus{State: ports.PaymentStateInFlight}, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ports.PaymentStatus{State: ports.PaymentStateInFlight}, nil
	}
	return ports.PaymentStatus{}, c.clientError(
		ports.ErrKindUnexpectedClientError, err,
	)
}
