package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridiancre/fincore/internal/ledger"
	"github.com/meridiancre/fincore/internal/store"
	"github.com/meridiancre/fincore/pkg/types"
)

var (
	ErrDealNotFound = errors.New("deal not found")
	ErrInvalidInput = errors.New("invalid input")
)

type CreateDealRequest struct {
	Name         string `json:"name"`
	PropertyType string `json:"property_type"`
}

type ChangeDealStatusRequest struct {
	Status string `json:"status"`
}

type CreateCapitalCallRequest struct {
	AmountCents int64  `json:"amount_cents"`
	DueDate     string `json:"due_date"`
}

type CreateDistributionRequest struct {
	AmountCents      int64  `json:"amount_cents"`
	DistributionType string `json:"distribution_type"`
}

// statusChange is the ledger payload for a deal status transition.
type statusChange struct {
	DealID string           `json:"deal_id"`
	From   types.DealStatus `json:"from"`
	To     types.DealStatus `json:"to"`
}

// Service executes deal mutations. Every mutation commits its business record
// and the matching ledger event in one store transaction, so the chain can
// never reference a record that was not written, or vice versa.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger
	idFn   func() string
	nowFn  func() time.Time
}

func NewService(st store.Store, l *ledger.Ledger) *Service {
	return &Service{store: st, ledger: l, idFn: uuid.NewString, nowFn: time.Now}
}

func (s *Service) CreateDeal(ctx context.Context, orgID string, req CreateDealRequest) (types.Deal, error) {
	if strings.TrimSpace(req.Name) == "" {
		return types.Deal{}, fmt.Errorf("%w: deal name is required", ErrInvalidInput)
	}
	deal := types.Deal{
		ID:           s.idFn(),
		OrgID:        orgID,
		Name:         req.Name,
		PropertyType: req.PropertyType,
		Status:       types.DealActive,
		CreatedAt:    s.now(),
	}
	_, err := s.ledger.AppendWith(ctx, deal.ID, ledger.EventDealCreated, deal, func(tx store.Tx) error {
		return tx.PutDeal(deal)
	})
	if err != nil {
		return types.Deal{}, err
	}
	return deal, nil
}

func (s *Service) ChangeDealStatus(ctx context.Context, orgID, dealID string, req ChangeDealStatusRequest) (types.Deal, error) {
	status := types.DealStatus(req.Status)
	if status != types.DealActive && status != types.DealClosed {
		return types.Deal{}, fmt.Errorf("%w: unknown deal status %q", ErrInvalidInput, req.Status)
	}
	deal, err := s.dealForOrg(orgID, dealID)
	if err != nil {
		return types.Deal{}, err
	}

	change := statusChange{DealID: deal.ID, From: deal.Status, To: status}
	deal.Status = status
	_, err = s.ledger.AppendWith(ctx, deal.ID, ledger.EventDealStatusChanged, change, func(tx store.Tx) error {
		return tx.PutDeal(deal)
	})
	if err != nil {
		return types.Deal{}, err
	}
	return deal, nil
}

func (s *Service) CreateCapitalCall(ctx context.Context, orgID, dealID string, req CreateCapitalCallRequest) (types.CapitalCall, error) {
	if req.AmountCents <= 0 {
		return types.CapitalCall{}, fmt.Errorf("%w: amount_cents must be positive", ErrInvalidInput)
	}
	if _, err := time.Parse("2006-01-02", req.DueDate); err != nil {
		return types.CapitalCall{}, fmt.Errorf("%w: due_date must be a YYYY-MM-DD date", ErrInvalidInput)
	}
	deal, err := s.dealForOrg(orgID, dealID)
	if err != nil {
		return types.CapitalCall{}, err
	}

	call := types.CapitalCall{
		ID:          s.idFn(),
		DealID:      deal.ID,
		AmountCents: req.AmountCents,
		DueDate:     req.DueDate,
		Status:      types.CallPending,
		CreatedAt:   s.now(),
	}
	_, err = s.ledger.AppendWith(ctx, deal.ID, ledger.EventCapitalCallCreated, call, func(tx store.Tx) error {
		return tx.PutCapitalCall(call)
	})
	if err != nil {
		return types.CapitalCall{}, err
	}
	return call, nil
}

func (s *Service) CreateDistribution(ctx context.Context, orgID, dealID string, req CreateDistributionRequest) (types.Distribution, error) {
	if req.AmountCents <= 0 {
		return types.Distribution{}, fmt.Errorf("%w: amount_cents must be positive", ErrInvalidInput)
	}
	if strings.TrimSpace(req.DistributionType) == "" {
		return types.Distribution{}, fmt.Errorf("%w: distribution_type is required", ErrInvalidInput)
	}
	deal, err := s.dealForOrg(orgID, dealID)
	if err != nil {
		return types.Distribution{}, err
	}

	dist := types.Distribution{
		ID:               s.idFn(),
		DealID:           deal.ID,
		AmountCents:      req.AmountCents,
		DistributionType: req.DistributionType,
		CreatedAt:        s.now(),
	}
	_, err = s.ledger.AppendWith(ctx, deal.ID, ledger.EventDistributionCreated, dist, func(tx store.Tx) error {
		return tx.PutDistribution(dist)
	})
	if err != nil {
		return types.Distribution{}, err
	}
	return dist, nil
}

func (s *Service) GetDeal(orgID, dealID string) (types.Deal, error) {
	return s.dealForOrg(orgID, dealID)
}

func (s *Service) ListDeals(orgID string) ([]types.Deal, error) {
	all, err := s.store.ListDeals()
	if err != nil {
		return nil, err
	}
	deals := make([]types.Deal, 0, len(all))
	for _, deal := range all {
		if deal.OrgID == orgID {
			deals = append(deals, deal)
		}
	}
	return deals, nil
}

func (s *Service) ListCapitalCalls(orgID, dealID string) ([]types.CapitalCall, error) {
	if _, err := s.dealForOrg(orgID, dealID); err != nil {
		return nil, err
	}
	return s.store.ListCapitalCallsByDeal(dealID)
}

func (s *Service) ListDistributions(orgID, dealID string) ([]types.Distribution, error) {
	if _, err := s.dealForOrg(orgID, dealID); err != nil {
		return nil, err
	}
	return s.store.ListDistributionsByDeal(dealID)
}

func (s *Service) ListDealEvents(orgID, dealID string) ([]types.DealEvent, error) {
	if _, err := s.dealForOrg(orgID, dealID); err != nil {
		return nil, err
	}
	return s.store.ListDealEvents(dealID)
}

// VerifyDeal checks one deal's chain. The deal must be visible to orgID.
func (s *Service) VerifyDeal(ctx context.Context, orgID, dealID string) (types.VerificationResult, error) {
	if _, err := s.dealForOrg(orgID, dealID); err != nil {
		return types.VerificationResult{}, err
	}
	return s.ledger.Verify(ctx, dealID)
}

// VerifyLedger checks every chain in the store. The report is platform-wide;
// it carries counts and failing deal ids, not record contents.
func (s *Service) VerifyLedger(ctx context.Context) (types.LedgerReport, error) {
	return s.ledger.VerifyAll(ctx)
}

// dealForOrg loads a deal visible to orgID. Deals owned by other
// organizations read as absent, so existence never leaks across tenants.
func (s *Service) dealForOrg(orgID, dealID string) (types.Deal, error) {
	if dealID == "" {
		return types.Deal{}, fmt.Errorf("%w: missing deal id", ErrInvalidInput)
	}
	deal, ok := s.store.GetDeal(dealID)
	if !ok || deal.OrgID != orgID {
		return types.Deal{}, fmt.Errorf("%w: %s", ErrDealNotFound, dealID)
	}
	return deal, nil
}

func (s *Service) now() string {
	return s.nowFn().UTC().Format(time.RFC3339)
}
