package payouts

import (
	"context"
	"sort"

	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/event"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// rewardPump drains the pool coordinator's distribution feed into the
// accrual ledger until the service stops.
func (s *Service) rewardPump(events chan *types.RewardEvent, sub event.Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case ev := <-events:
			s.absorbReward(s.ctx, ev)
		case err := <-sub.Err():
			if err != nil {
				log.WithError(err).Error("Reward subscription failed")
			}
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// absorbReward books one distribution's shares and files a payout for every
// member whose accrued rewards clear the threshold. Amounts past the maximum
// payout stay accrued for the next request. A member without a payable
// recipient keeps accruing until one is registered.
func (s *Service) absorbReward(ctx context.Context, ev *types.RewardEvent) {
	cfg := params.MirageConfig()
	s.accrualLock.Lock()
	defer s.accrualLock.Unlock()
	for nodeID, amount := range ev.Amounts {
		if amount <= 0 {
			continue
		}
		s.accrued[nodeID] += amount
		if s.accrued[nodeID] < cfg.PayoutThreshold {
			continue
		}
		payable := s.accrued[nodeID]
		if payable > cfg.MaxPayoutAmount {
			payable = cfg.MaxPayoutAmount
		}
		recipient, err := s.payoutRecipient(ctx, nodeID)
		if err != nil {
			log.WithError(err).WithField("nodeID", nodeID).Debug("Rewards accrue without a payable recipient")
			continue
		}
		if _, err := s.CreatePayout(ctx, nodeID, kindReward, payable, recipient); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"nodeID": nodeID,
				"amount": payable,
			}).Warn("Could not file reward payout")
			continue
		}
		s.accrued[nodeID] -= payable
		if s.accrued[nodeID] <= 0 {
			delete(s.accrued, nodeID)
		}
	}
}

// AccruedRewards returns a node's rewards still below the payout threshold.
func (s *Service) AccruedRewards(nodeID string) float64 {
	s.accrualLock.Lock()
	defer s.accrualLock.Unlock()
	return s.accrued[nodeID]
}

// payoutRecipient resolves a node's settlement address from its newest
// approved registration carrying a stake address.
func (s *Service) payoutRecipient(ctx context.Context, nodeID string) (string, error) {
	regs, err := s.cfg.Database.Registrations(ctx, filters.NewFilter().
		SetNodeID(nodeID).
		SetStatus(string(types.RegistrationApproved)))
	if err != nil {
		return "", errors.Wrap(err, "could not list registrations")
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].DecidedAt.After(regs[j].DecidedAt)
	})
	for _, reg := range regs {
		if reg.StakeAddress != "" {
			return reg.StakeAddress, nil
		}
	}
	return "", errors.Wrapf(types.ErrNotFound, "approved registration with a stake address for node %s", nodeID)
}
