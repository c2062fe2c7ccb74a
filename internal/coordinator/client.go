package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mtlprog/resolver/internal/domain"
	"github.com/mtlprog/resolver/internal/rpc"
)

// ErrNotFound is returned when the coordinator has no record for the requested id.
var ErrNotFound = errors.New("not found")

// Caller performs query and update calls against a canister.
type Caller interface {
	Query(ctx context.Context, canister, method string, arg, dest any) error
	Call(ctx context.Context, canister, method string, arg, dest any) error
}

// Client is the coordinator canister client.
type Client struct {
	rpc      Caller
	canister string
}

// NewClient creates a coordinator client.
func NewClient(rpc Caller, canister string) *Client {
	return &Client{rpc: rpc, canister: canister}
}

func (c *Client) query(ctx context.Context, method string, arg, dest any) error {
	err := c.rpc.Query(ctx, c.canister, method, arg, dest)
	if re, ok := rpc.AsReject(err); ok && strings.Contains(strings.ToLower(re.Message), "not found") {
		return fmt.Errorf("%s: %w: %s", method, ErrNotFound, re.Message)
	}
	return err
}

// GetBundle returns the bundle configuration.
func (c *Client) GetBundle(ctx context.Context, bundleID uint64) (domain.Bundle, error) {
	var dto bundleDTO
	if err := c.query(ctx, "get_bundle", map[string]uint64{"bundle_id": bundleID}, &dto); err != nil {
		return domain.Bundle{}, fmt.Errorf("getting bundle %d: %w", bundleID, err)
	}
	return dto.toDomain()
}

// GetAsset returns the registry entry of an asset.
func (c *Client) GetAsset(ctx context.Context, assetID string) (domain.Asset, error) {
	var dto assetDTO
	if err := c.query(ctx, "get_asset", map[string]string{"asset_id": assetID}, &dto); err != nil {
		return domain.Asset{}, fmt.Errorf("getting asset %s: %w", assetID, err)
	}
	return dto.toDomain()
}

// GetAssignment returns the resolver assignment of a request.
func (c *Client) GetAssignment(ctx context.Context, requestID uint64) (domain.Assignment, error) {
	var dto assignmentDTO
	if err := c.query(ctx, "get_assignment", map[string]uint64{"request_id": requestID}, &dto); err != nil {
		return domain.Assignment{}, fmt.Errorf("getting assignment %d: %w", requestID, err)
	}
	return dto.toDomain()
}

// GetTransaction returns the transaction record of a request.
func (c *Client) GetTransaction(ctx context.Context, requestID uint64) (domain.Transaction, error) {
	var dto transactionDTO
	if err := c.query(ctx, "get_transaction", map[string]uint64{"request_id": requestID}, &dto); err != nil {
		return domain.Transaction{}, fmt.Errorf("getting transaction %d: %w", requestID, err)
	}
	return dto.toDomain()
}

// CalculateBundleNAV returns the coordinator's authoritative NAV per bundle token.
func (c *Client) CalculateBundleNAV(ctx context.Context, bundleID uint64) (domain.NavQuote, error) {
	var dto navReportDTO
	if err := c.query(ctx, "calculate_bundle_nav", map[string]uint64{"bundle_id": bundleID}, &dto); err != nil {
		return domain.NavQuote{}, fmt.Errorf("calculating NAV of bundle %d: %w", bundleID, err)
	}
	return domain.NavQuote{
		BundleID:      bundleID,
		PricePerToken: domain.FromFixed(dto.NavPerToken, domain.OracleDecimals),
		Source:        domain.NavSourceCoordinator,
		CalculatedAt:  nanos(dto.CalculatedAt),
	}, nil
}

// ConfirmAssetDeposit asks the coordinator to pull the approved constituents and mint bundle tokens to the user.
func (c *Client) ConfirmAssetDeposit(ctx context.Context, requestID uint64) error {
	return c.confirm(ctx, "confirm_asset_deposit", requestID)
}

// ConfirmResolverPaymentAndCompleteSell asks the coordinator to pull the settlement payment and complete a sell.
func (c *Client) ConfirmResolverPaymentAndCompleteSell(ctx context.Context, requestID uint64) error {
	return c.confirm(ctx, "confirm_resolver_payment_and_complete_sell", requestID)
}

func (c *Client) confirm(ctx context.Context, method string, requestID uint64) error {
	err := c.rpc.Call(ctx, c.canister, method, map[string]uint64{"request_id": requestID}, nil)
	if err == nil {
		return nil
	}
	if re, ok := rpc.AsReject(err); ok {
		return domain.NewError(domain.KindCoordinatorRejected, method, "", errors.New(re.Message))
	}
	return fmt.Errorf("%s for request %d: %w", method, requestID, err)
}
