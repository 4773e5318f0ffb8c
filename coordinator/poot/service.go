// Package poot implements proof-of-ownership-and-time validation: nodes are
// challenged to prove they control the stake they claim, answers are scored
// for fraud, and the resulting reputation feeds registration and governance
// weight checks.
package poot

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/kevinms/leakybucket-go"
	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/tron"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/runutil"
	"github.com/miragelabs/mirage/shared/timeutils"
)

var log = logrus.WithField("prefix", "poot")

var (
	challengesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ownership_challenges_issued_total",
		Help: "Number of ownership challenges issued.",
	})
	proofOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ownership_proof_outcomes_total",
		Help: "Number of ownership proofs judged, by outcome.",
	}, []string{"outcome"})
	fraudEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraud_events_total",
		Help: "Number of fraud events recorded.",
	})
)

const (
	challengePayloadSize = 32
	challengeNonceSize   = 16

	// Fraud score contributions. The threshold in params decides how many of
	// these must stack before a proof is blocked.
	fraudWeightFrequency   = 0.3
	fraudWeightExactStake  = 0.2
	fraudWeightLowSuccess  = 0.3
	fraudWeightPriorEvents = 0.3
)

// Config options for the ownership validator.
type Config struct {
	Database db.Database
	Verifier types.SignatureVerifier
	Chain    tron.Client
}

// Service issues ownership challenges and validates the proofs that answer
// them.
type Service struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc

	challengeLimiter *leakybucket.Collector

	countersLock sync.Mutex
	counters     map[string]*ratecounter.RateCounter
}

// NewService initializes the ownership validator.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	c := params.MirageConfig()
	return &Service{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		challengeLimiter: leakybucket.NewCollector(
			float64(c.OwnershipChallengeRate)/3600.0,
			c.OwnershipChallengeRate,
			true, /* deleteEmptyBuckets */
		),
		counters: make(map[string]*ratecounter.RateCounter),
	}
}

// Start launches the expiry sweep.
func (s *Service) Start() {
	runutil.RunEvery(s.ctx, 5*time.Minute, s.sweepExpired)
	log.Info("Ownership validator started")
}

// Stop the maintenance loops.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil.
func (s *Service) Status() error {
	return nil
}

// GenerateOwnershipChallenge issues a fresh challenge for the node, rate
// limited per node. The returned payload and nonce must be signed together
// to answer it.
func (s *Service) GenerateOwnershipChallenge(ctx context.Context, nodeID string, kind types.ProofKind, difficulty int) (*types.OwnershipChallenge, error) {
	if nodeID == "" {
		return nil, types.ValidationErrorf("challenge needs a node id")
	}
	if !types.ValidProofKind(kind) {
		return nil, types.ValidationErrorf("unknown proof kind %q", kind)
	}
	if difficulty <= 0 {
		difficulty = 1
	}
	if s.challengeLimiter.Add(nodeID, 1) == 0 {
		return nil, types.PreconditionErrorf("node %s exhausted its challenge quota", nodeID)
	}
	// The bucket only throttles this process; the persisted count enforces
	// the hourly cap across restarts.
	issued, err := s.cfg.Database.ChallengesIssuedSince(ctx, nodeID, timeutils.Now().Add(-time.Hour))
	if err != nil {
		return nil, errors.Wrap(err, "could not count issued challenges")
	}
	if int64(issued) >= params.MirageConfig().OwnershipChallengeRate {
		return nil, types.PreconditionErrorf("node %s exhausted its challenge quota", nodeID)
	}

	payload := make([]byte, challengePayloadSize)
	if _, err := rand.Read(payload); err != nil {
		return nil, errors.Wrap(err, "could not draw challenge payload")
	}
	nonce := make([]byte, challengeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "could not draw challenge nonce")
	}

	now := timeutils.Now()
	challenge := &types.OwnershipChallenge{
		ID:         uuid.New().String(),
		NodeID:     nodeID,
		ProofKind:  kind,
		Payload:    payload,
		Nonce:      nonce,
		Difficulty: difficulty,
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Duration(params.MirageConfig().OwnershipChallengeTTL) * time.Second),
	}
	if err := s.cfg.Database.SaveOwnershipChallenge(ctx, challenge); err != nil {
		return nil, errors.Wrap(err, "could not persist challenge")
	}
	challengesIssuedTotal.Inc()
	return challenge, nil
}

// SubmitOwnershipProof judges a node's answer to a challenge. The outcome is
// persisted on the proof; only validation errors on the submission itself
// are returned as errors.
func (s *Service) SubmitOwnershipProof(ctx context.Context, proof *types.OwnershipProof) (*types.OwnershipProof, error) {
	if proof == nil || proof.NodeID == "" || proof.ChallengeID == "" {
		return nil, types.ValidationErrorf("proof needs a node id and a challenge id")
	}
	s.attemptCounter(proof.NodeID).Incr(1)

	if proof.ID == "" {
		proof.ID = uuid.New().String()
	}
	proof.SubmittedAt = timeutils.Now()

	status, fraudScore, err := s.judge(ctx, proof)
	if err != nil {
		return nil, err
	}
	proof.Status = status
	proof.FraudScore = fraudScore
	proof.ValidatedAt = timeutils.Now()

	if err := s.cfg.Database.SaveOwnershipProof(ctx, proof); err != nil {
		return nil, errors.Wrap(err, "could not persist proof")
	}
	if err := s.recordAttempt(ctx, proof.NodeID, status == types.ValidationValid); err != nil {
		log.WithError(err).WithField("nodeID", proof.NodeID).Warn("Could not update validation stats")
	}
	switch status {
	case types.ValidationValid:
		ttl := time.Duration(params.MirageConfig().OwnershipProofCacheTTL) * time.Second
		s.cfg.Database.CacheSet(validProofKey(proof.NodeID, proof.ProofKind), proof, ttl)
	case types.ValidationFraudDetected:
		// A node caught defrauding forfeits its cached pass of the same kind.
		s.cfg.Database.CacheDelete(validProofKey(proof.NodeID, proof.ProofKind))
	}
	proofOutcomesTotal.WithLabelValues(string(status)).Inc()
	return proof, nil
}

func (s *Service) judge(ctx context.Context, proof *types.OwnershipProof) (types.ValidationStatus, float64, error) {
	challenge, err := s.cfg.Database.OwnershipChallenge(ctx, proof.ChallengeID)
	if err != nil {
		return "", 0, errors.Wrap(err, "could not look up challenge")
	}
	if challenge == nil || challenge.NodeID != proof.NodeID || challenge.ProofKind != proof.ProofKind {
		return types.ValidationChallengeFailed, 0, nil
	}
	if challenge.ExpiredAt(timeutils.Now()) {
		return types.ValidationExpired, 0, nil
	}

	signed := append(append([]byte{}, challenge.Payload...), challenge.Nonce...)
	if err := s.cfg.Verifier.VerifySignature(proof.NodeID, signed, proof.Signature); err != nil {
		return types.ValidationInvalid, 0, nil
	}
	if proof.StakeAmount < params.MirageConfig().MinStakeAmount {
		return types.ValidationInsufficientStake, 0, nil
	}

	fraudScore, err := s.fraudScore(ctx, proof)
	if err != nil {
		return "", 0, err
	}
	if fraudScore >= params.MirageConfig().FraudScoreThreshold {
		s.recordFraud(ctx, proof.NodeID, "proof-pattern", fraudScore,
			"fraud score crossed the blocking threshold")
		return types.ValidationFraudDetected, fraudScore, nil
	}
	return types.ValidationValid, fraudScore, nil
}

// fraudScore stacks independent signals: rapid-fire submissions, a stake
// pinned to the exact minimum, a weak success history and prior fraud
// events.
func (s *Service) fraudScore(ctx context.Context, proof *types.OwnershipProof) (float64, error) {
	c := params.MirageConfig()
	score := 0.0

	if s.attemptCounter(proof.NodeID).Rate() > 2*c.OwnershipChallengeRate {
		score += fraudWeightFrequency
	}
	if proof.StakeAmount == c.MinStakeAmount {
		score += fraudWeightExactStake
	}

	stats, err := s.cfg.Database.ValidationStats(ctx, proof.NodeID)
	if err != nil {
		return 0, errors.Wrap(err, "could not read validation stats")
	}
	if stats != nil && stats.Attempts >= 5 && stats.SuccessRate() < 0.25 {
		score += fraudWeightLowSuccess
	}

	events, err := s.cfg.Database.FraudEvents(ctx, proof.NodeID)
	if err != nil {
		return 0, errors.Wrap(err, "could not read fraud events")
	}
	if countRecentFraud(events) > 0 {
		score += fraudWeightPriorEvents
	}

	if score > 1 {
		score = 1
	}
	return score, nil
}

// HasValidProof reports whether the node holds an unexpired cached proof of
// the kind, sparing it a fresh challenge round trip.
func (s *Service) HasValidProof(nodeID string, kind types.ProofKind) bool {
	_, ok := s.cfg.Database.CacheGet(validProofKey(nodeID, kind))
	return ok
}

// ValidateStake compares a node's claimed stake against the balance its
// wallet holds on chain. Overclaiming records a fraud event and fails with
// an integrity error.
func (s *Service) ValidateStake(ctx context.Context, nodeID, address string, claimed float64) (*types.StakeValidation, error) {
	balance, err := s.cfg.Chain.GetAccountBalance(ctx, address)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read balance of %s", address)
	}
	validation := &types.StakeValidation{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Address:   address,
		Claimed:   claimed,
		Actual:    balance.USDT,
		Valid:     claimed <= balance.USDT,
		CheckedAt: timeutils.Now(),
	}
	if err := s.cfg.Database.SaveStakeValidation(ctx, validation); err != nil {
		return nil, errors.Wrap(err, "could not persist stake validation")
	}
	if !validation.Valid {
		s.recordFraud(ctx, nodeID, "stake-overclaim", 0.5,
			"claimed stake exceeds the on chain balance")
		return validation, types.IntegrityErrorf(
			"node %s claims stake %.2f but holds %.2f", nodeID, claimed, balance.USDT)
	}
	return validation, nil
}

// LatestStake returns the most recent on chain stake observed for the node.
// Nodes never checked report zero.
func (s *Service) LatestStake(ctx context.Context, nodeID string) (float64, error) {
	checks, err := s.cfg.Database.StakeValidations(ctx, nodeID)
	if err != nil {
		return 0, err
	}
	if len(checks) == 0 {
		return 0, nil
	}
	return checks[len(checks)-1].Actual, nil
}

// GetValidationStats returns a node's aggregated validation history. Nodes
// never validated report zeroed stats.
func (s *Service) GetValidationStats(ctx context.Context, nodeID string) (*types.ValidationStats, error) {
	stats, err := s.cfg.Database.ValidationStats(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return &types.ValidationStats{NodeID: nodeID}, nil
	}
	return stats, nil
}

func (s *Service) recordAttempt(ctx context.Context, nodeID string, success bool) error {
	stats, err := s.cfg.Database.ValidationStats(ctx, nodeID)
	if err != nil {
		return err
	}
	if stats == nil {
		stats = &types.ValidationStats{NodeID: nodeID}
	}
	stats.Attempts++
	if success {
		stats.Successes++
	}
	stats.LastAttempt = timeutils.Now()

	events, err := s.cfg.Database.FraudEvents(ctx, nodeID)
	if err != nil {
		return err
	}
	stats.Reputation = reputation(stats.SuccessRate(), countRecentFraud(events))
	return s.cfg.Database.SaveValidationStats(ctx, stats)
}

func (s *Service) recordFraud(ctx context.Context, nodeID, kind string, score float64, details string) {
	event := &types.FraudEvent{
		ID:         uuid.New().String(),
		NodeID:     nodeID,
		Kind:       kind,
		Details:    details,
		Score:      score,
		RecordedAt: timeutils.Now(),
	}
	if err := s.cfg.Database.SaveFraudEvent(ctx, event); err != nil {
		log.WithError(err).WithField("nodeID", nodeID).Error("Could not persist fraud event")
		return
	}
	fraudEventsTotal.Inc()
	log.WithFields(logrus.Fields{
		"nodeID": nodeID,
		"kind":   kind,
		"score":  score,
	}).Warn("Recorded fraud event")
}

func (s *Service) attemptCounter(nodeID string) *ratecounter.RateCounter {
	s.countersLock.Lock()
	defer s.countersLock.Unlock()
	counter, ok := s.counters[nodeID]
	if !ok {
		counter = ratecounter.NewRateCounter(time.Hour)
		s.counters[nodeID] = counter
	}
	return counter
}

func (s *Service) sweepExpired() {
	deleted, err := s.cfg.Database.DeleteExpiredChallenges(s.ctx, timeutils.Now())
	if err != nil {
		log.WithError(err).Error("Could not sweep expired challenges")
	} else if deleted > 0 {
		log.WithField("deleted", deleted).Debug("Swept expired challenges")
	}

	retention := time.Duration(params.MirageConfig().FraudEventRetention) * time.Second
	pruned, err := s.cfg.Database.PruneFraudEventsBefore(s.ctx, timeutils.Now().Add(-retention))
	if err != nil {
		log.WithError(err).Error("Could not prune stale fraud events")
	} else if pruned > 0 {
		log.WithField("pruned", pruned).Debug("Pruned stale fraud events")
	}
}

// reputation blends the success rate with a penalty per recent fraud event.
func reputation(successRate float64, fraudEvents int) float64 {
	penalty := 0.2 * float64(fraudEvents)
	if penalty > 1 {
		penalty = 1
	}
	score := successRate * (1 - penalty)
	if score < 0 {
		return 0
	}
	return score
}

func countRecentFraud(events []*types.FraudEvent) int {
	cutoff := timeutils.Now().Add(-time.Duration(params.MirageConfig().FraudEventRetention) * time.Second)
	recent := 0
	for _, event := range events {
		if event.RecordedAt.After(cutoff) {
			recent++
		}
	}
	return recent
}

func validProofKey(nodeID string, kind types.ProofKind) string {
	return nodeID + ":" + string(kind)
}
