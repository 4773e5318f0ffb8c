// Package credits turns signed work proofs into the per epoch credit
// standings that drive ranking, rewards and work-weighted votes. Proofs are
// quantized to slots; standings are recomputed per epoch by a tally pass on
// the slot ticker.
package credits

import (
	"context"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/slotutil"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "credits")

var (
	proofsAcceptedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "work_proofs_accepted_total",
		Help: "Number of work proofs accepted, by task kind.",
	}, []string{"kind"})
	proofsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "work_proofs_rejected_total",
		Help: "Number of work proofs rejected before persistence.",
	})
	tallyPassSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "work_tally_pass_seconds",
		Help:    "Time taken by one ranking pass over an epoch.",
		Buckets: []float64{0.05, 0.25, 1, 5, 30},
	})
)

// TaskWeight returns the credit weight of one unit of the task kind.
func TaskWeight(kind types.TaskKind) float64 {
	cfg := params.MirageConfig()
	switch kind {
	case types.TaskRelayBandwidth:
		return cfg.RelayBandwidthWeight
	case types.TaskStorageProof:
		return cfg.StorageProofWeight
	case types.TaskValidationSig:
		return cfg.ValidationSigWeight
	case types.TaskUptimeBeacon:
		return cfg.UptimeBeaconWeight
	default:
		return 0
	}
}

// Config options for the work credit engine.
type Config struct {
	Database db.Database
	Verifier types.SignatureVerifier
}

// seenProofCacheSize bounds the in-memory replay cache in front of the
// signature check.
const seenProofCacheSize = 1 << 13

// Service accepts work proofs and maintains epoch standings.
type Service struct {
	cfg        *Config
	ctx        context.Context
	cancel     context.CancelFunc
	ticker     *slotutil.SlotTicker
	seenProofs *lru.ARCCache
}

// NewService initializes the work credit engine.
func NewService(ctx context.Context, cfg *Config) *Service {
	seenProofs, err := lru.NewARC(seenProofCacheSize)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		seenProofs: seenProofs,
	}
}

// Start launches the tally pass on the slot ticker and the proof retention
// sweep.
func (s *Service) Start() {
	cfg := params.MirageConfig()
	genesis := time.Unix(int64(cfg.GenesisTime), 0)
	s.ticker = slotutil.GetSlotTicker(genesis, cfg.SecondsPerSlot)
	go s.run()
	log.Info("Work credit engine started")
}

// Stop the tally loops.
func (s *Service) Stop() error {
	s.cancel()
	if s.ticker != nil {
		s.ticker.Done()
	}
	return nil
}

// Status always returns nil; the engine fails per-operation, never as a
// whole.
func (s *Service) Status() error {
	return nil
}

func (s *Service) run() {
	interval := params.MirageConfig().TallySlotInterval
	if interval == 0 {
		interval = 1
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case slot := <-s.ticker.C():
			epoch := slotutil.EpochAt(slot)
			// The first slot of an epoch finalizes the one that just closed.
			if epoch > 0 && slot == slotutil.EpochStartSlot(epoch) {
				if err := s.UpdateWorkTally(s.ctx, epoch-1); err != nil {
					log.WithError(err).WithField("epoch", epoch-1).Error("Closing tally pass failed")
				}
			}
			if slot%interval == 0 {
				if err := s.UpdateWorkTally(s.ctx, epoch); err != nil {
					log.WithError(err).WithField("epoch", epoch).Error("Tally pass failed")
				}
				s.sweepExpiredProofs()
			}
		}
	}
}

// SubmitWorkProof validates, verifies and persists one claimed unit of work.
// A proof that collides with an accepted one is rejected with the duplicate
// error and the original stays untouched, making resubmission idempotent.
// Recently accepted keys are held in a replay cache so resubmissions drop
// out before the signature check.
func (s *Service) SubmitWorkProof(ctx context.Context, proof *types.WorkProof) error {
	if err := validateProofShape(proof); err != nil {
		proofsRejectedTotal.Inc()
		return err
	}
	if s.seenProofs.Contains(proof.Key()) {
		proofsRejectedTotal.Inc()
		return errors.Wrapf(types.ErrDuplicate, "proof %s already accepted", proof.Key())
	}
	if err := s.cfg.Verifier.VerifySignature(proof.NodeID, proof.SigningRoot(), proof.Signature); err != nil {
		proofsRejectedTotal.Inc()
		return types.IntegrityErrorf("proof %s signature rejected: %v", proof.Key(), err)
	}
	if err := s.cfg.Database.SaveWorkProof(ctx, proof); err != nil {
		if errors.Is(err, types.ErrDuplicate) {
			proofsRejectedTotal.Inc()
		}
		return err
	}
	s.seenProofs.Add(proof.Key(), true)
	proofsAcceptedTotal.WithLabelValues(string(proof.TaskKind)).Inc()
	return nil
}

func validateProofShape(proof *types.WorkProof) error {
	if proof == nil || proof.NodeID == "" {
		return types.ValidationErrorf("work proof needs a node id")
	}
	if !types.ValidTaskKind(proof.TaskKind) {
		return types.ValidationErrorf("unknown task kind %q", proof.TaskKind)
	}
	if proof.Value <= 0 {
		return types.ValidationErrorf("proof %s claims non-positive value %f", proof.Key(), proof.Value)
	}
	if len(proof.Signature) == 0 {
		return types.ValidationErrorf("proof %s carries no signature", proof.Key())
	}
	return nil
}

// CalculateWorkCredits sums value x weight over every proof the entity
// accounted for within the sliding window.
func (s *Service) CalculateWorkCredits(ctx context.Context, entityID string, windowDays uint64) (float64, error) {
	if windowDays == 0 {
		windowDays = params.MirageConfig().CreditWindowDays
	}
	startSlot := windowStartSlot(windowDays)
	proofs, err := s.cfg.Database.WorkProofs(ctx, filters.NewFilter().SetStartSlot(startSlot))
	if err != nil {
		return 0, errors.Wrap(err, "could not scan work proofs")
	}
	total := 0.0
	for _, proof := range proofs {
		if proof.EntityID() != entityID {
			continue
		}
		total += proof.Value * TaskWeight(proof.TaskKind)
	}
	return total, nil
}

// UpdateWorkTally recomputes the standing of every entity that proved work
// during the epoch: credits, live-score and dense ranks, upserted as one row
// per (entity, epoch).
func (s *Service) UpdateWorkTally(ctx context.Context, epoch uint64) error {
	started := timeutils.Now()
	defer func() {
		tallyPassSeconds.Observe(timeutils.Since(started).Seconds())
	}()

	startSlot := slotutil.EpochStartSlot(epoch)
	endSlot := slotutil.EpochStartSlot(epoch+1) - 1
	proofs, err := s.cfg.Database.WorkProofs(ctx,
		filters.NewFilter().SetStartSlot(startSlot).SetEndSlot(endSlot))
	if err != nil {
		return errors.Wrapf(err, "could not scan proofs for epoch %d", epoch)
	}
	if len(proofs) == 0 {
		return nil
	}

	creditsByEntity := make(map[string]float64)
	beaconsByEntity := make(map[string]uint64)
	for _, proof := range proofs {
		entity := proof.EntityID()
		creditsByEntity[entity] += proof.Value * TaskWeight(proof.TaskKind)
		if proof.TaskKind == types.TaskUptimeBeacon {
			beaconsByEntity[entity]++
		}
	}

	expected := expectedBeacons(epoch)
	tallies := make([]*types.WorkTally, 0, len(creditsByEntity))
	for entity, credits := range creditsByEntity {
		tally := &types.WorkTally{
			EntityID:  entity,
			Epoch:     epoch,
			Credits:   credits,
			LiveScore: liveScore(beaconsByEntity[entity], expected),
			UpdatedAt: timeutils.Now(),
		}
		// Selection history survives recomputation.
		if prev, err := s.cfg.Database.WorkTally(ctx, entity, epoch); err == nil && prev != nil {
			tally.LastSelectedSlot = prev.LastSelectedSlot
		}
		tallies = append(tallies, tally)
	}

	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].Credits != tallies[j].Credits {
			return tallies[i].Credits > tallies[j].Credits
		}
		if tallies[i].LiveScore != tallies[j].LiveScore {
			return tallies[i].LiveScore > tallies[j].LiveScore
		}
		return tallies[i].EntityID < tallies[j].EntityID
	})
	rank := uint64(0)
	for i, tally := range tallies {
		if i == 0 || tally.Credits != tallies[i-1].Credits || tally.LiveScore != tallies[i-1].LiveScore {
			rank++
		}
		tally.Rank = rank
	}

	if err := s.cfg.Database.SaveWorkTallies(ctx, tallies); err != nil {
		return errors.Wrapf(err, "could not persist %d tallies for epoch %d", len(tallies), epoch)
	}
	log.WithFields(logrus.Fields{
		"epoch":    epoch,
		"entities": len(tallies),
	}).Debug("Ranking pass complete")
	return nil
}

// GetTopEntities returns the best ranked standings of the epoch, capped at
// limit.
func (s *Service) GetTopEntities(ctx context.Context, limit int, epoch uint64) ([]*types.WorkTally, error) {
	tallies, err := s.cfg.Database.WorkTalliesByEpoch(ctx, epoch)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list tallies for epoch %d", epoch)
	}
	sort.Slice(tallies, func(i, j int) bool {
		if tallies[i].Rank != tallies[j].Rank {
			return tallies[i].Rank < tallies[j].Rank
		}
		return tallies[i].EntityID < tallies[j].EntityID
	})
	if limit > 0 && len(tallies) > limit {
		tallies = tallies[:limit]
	}
	return tallies, nil
}

// GetEntityRank returns the entity's standing for the epoch.
func (s *Service) GetEntityRank(ctx context.Context, entityID string, epoch uint64) (*types.WorkTally, error) {
	tally, err := s.cfg.Database.WorkTally(ctx, entityID, epoch)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read tally for %s", entityID)
	}
	if tally == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "entity %s has no standing in epoch %d", entityID, epoch)
	}
	return tally, nil
}

// MarkSelected records that the entity was picked for placement at the slot,
// so later selection can prefer entities passed over the longest.
func (s *Service) MarkSelected(ctx context.Context, entityID string, epoch, slot uint64) error {
	tally, err := s.cfg.Database.WorkTally(ctx, entityID, epoch)
	if err != nil {
		return err
	}
	if tally == nil {
		return errors.Wrapf(types.ErrNotFound, "entity %s has no standing in epoch %d", entityID, epoch)
	}
	tally.LastSelectedSlot = slot
	tally.UpdatedAt = timeutils.Now()
	return s.cfg.Database.SaveWorkTally(ctx, tally)
}

func (s *Service) sweepExpiredProofs() {
	retentionSlots := params.MirageConfig().ProofRetentionDays * 86400 / params.MirageConfig().SecondsPerSlot
	current := slotutil.CurrentSlot()
	if current <= retentionSlots {
		return
	}
	pruned, err := s.cfg.Database.PruneWorkProofsBefore(s.ctx, current-retentionSlots)
	if err != nil {
		log.WithError(err).Error("Proof retention sweep failed")
		return
	}
	if pruned > 0 {
		log.WithField("pruned", pruned).Debug("Swept expired work proofs")
	}
}

func windowStartSlot(windowDays uint64) uint64 {
	windowSlots := windowDays * 86400 / params.MirageConfig().SecondsPerSlot
	current := slotutil.CurrentSlot()
	if current <= windowSlots {
		return 0
	}
	return current - windowSlots
}

func expectedBeacons(epoch uint64) uint64 {
	start := slotutil.EpochStartSlot(epoch)
	current := slotutil.CurrentSlot()
	if current < start {
		return 0
	}
	elapsed := current - start + 1
	if max := params.MirageConfig().SlotsPerEpoch; elapsed > max {
		elapsed = max
	}
	return elapsed
}

func liveScore(beacons, expected uint64) float64 {
	if expected == 0 {
		return 0
	}
	score := float64(beacons) / float64(expected)
	if score > 1 {
		return 1
	}
	return score
}
