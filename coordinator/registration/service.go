// Package registration runs the multi-stage admission protocol for
// candidate peers. A submission is shape-checked and answered with a set of
// challenges: an ownership signature, a capability declaration, a
// reachability ping and, for storage claimers, a storage round trip. Passed
// challenges accumulate a verification score; once every challenge is
// answered the claimed stake is checked on the value network, and a
// sufficiently scored, stake-verified candidate can be approved into the
// peer directory.
package registration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/db/filters"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/featureconfig"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/runutil"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "registration")

var (
	registrationsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registrations_submitted_total",
		Help: "Number of admission requests accepted for processing.",
	})
	registrationsDecidedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registrations_decided_total",
		Help: "Number of admission requests reaching a terminal state, by outcome.",
	}, []string{"outcome"})
	challengesVerifiedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registration_challenges_verified_total",
		Help: "Number of admission challenge responses judged, by kind and verdict.",
	}, []string{"kind", "verdict"})
)

const (
	ownershipPayloadSize = 32
	storagePayloadSize   = 64
	tokenSize            = 16
)

// Capability parameters a candidate must declare.
const (
	capBandwidthMbps = "bandwidth_mbps"
	capStorageGB     = "storage_gb"
	capCPUCores      = "cpu_cores"
)

// ChallengeResponse carries a candidate's answer to an admission challenge.
// Only the fields relevant to the challenge kind are read.
type ChallengeResponse struct {
	Signature    []byte
	Capabilities map[string]float64
}

// Prober reaches candidate endpoints over the overlay transport.
type Prober interface {
	RegistrationPing(ctx context.Context, endpoint, token string) (bool, error)
	RetrieveStored(ctx context.Context, endpoint, key string) ([]byte, error)
}

// StakeValidator checks a claimed stake against the value network.
type StakeValidator interface {
	ValidateStake(ctx context.Context, nodeID, address string, claimed float64) (*types.StakeValidation, error)
}

// PeerDirectory is where approved candidates are admitted.
type PeerDirectory interface {
	GetPeer(nodeID string) (*types.Peer, error)
	AddPeer(ctx context.Context, peer *types.Peer) error
}

// Config options for the registration service.
type Config struct {
	Database  db.Database
	Prober    Prober
	Stakes    StakeValidator
	Directory PeerDirectory
}

// Service drives candidate admissions through challenges to a decision.
type Service struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService initializes the registration service.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the expiry and purge sweep.
func (s *Service) Start() {
	interval := time.Duration(params.MirageConfig().RegistrationChallengeTTL) * time.Second / 4
	runutil.RunEvery(s.ctx, interval, s.sweep)
	log.Info("Registration service started")
}

// Stop the background sweep.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil.
func (s *Service) Status() error {
	return nil
}

// SubmitRegistration shape-checks an admission request and issues its
// challenges. The storage round trip is only issued to candidates claiming
// the storage capability.
func (s *Service) SubmitRegistration(ctx context.Context, reg *types.Registration) (*types.Registration, error) {
	if err := s.validateSubmission(ctx, reg); err != nil {
		return nil, err
	}
	now := timeutils.Now()
	reg.ID = uuid.New().String()
	reg.Status = types.RegistrationPending
	reg.Score = 0
	reg.CreatedAt = now
	reg.ExpiresAt = now.Add(time.Duration(params.MirageConfig().RegistrationTimeout) * time.Second)
	if err := s.cfg.Database.SaveRegistration(ctx, reg); err != nil {
		return nil, errors.Wrap(err, "could not persist registration")
	}
	if err := s.issueChallenges(ctx, reg, now); err != nil {
		return nil, err
	}
	registrationsSubmittedTotal.Inc()
	log.WithFields(logrus.Fields{
		"registration": reg.ID,
		"nodeID":       reg.NodeID,
		"role":         reg.Role,
	}).Info("Registration submitted")
	return reg, nil
}

func (s *Service) validateSubmission(ctx context.Context, reg *types.Registration) error {
	if reg.NodeID == "" {
		return types.ValidationErrorf("registration is missing a node id")
	}
	if !strings.HasSuffix(reg.OverlayAddress, ".onion") {
		return types.ValidationErrorf("overlay address %q is not a hidden service address", reg.OverlayAddress)
	}
	if reg.Port < 1024 || reg.Port > 65535 {
		return types.ValidationErrorf("port %d is outside the unprivileged range", reg.Port)
	}
	if !types.ValidPeerRole(reg.Role) {
		return types.ValidationErrorf("unknown role %q", reg.Role)
	}
	for _, c := range reg.Capabilities {
		if !types.ValidCapability(c) {
			return types.ValidationErrorf("unknown capability %q", c)
		}
	}
	if len(reg.PublicKey) != ed25519.PublicKeySize {
		return types.ValidationErrorf("registration carries no usable identity key")
	}
	if types.NodeIDFromPublicKey(reg.PublicKey) != reg.NodeID {
		return types.ValidationErrorf("identity key does not derive node id %s", reg.NodeID)
	}
	if reg.StakeAmount < params.MirageConfig().RegistrationMinStake {
		return types.ValidationErrorf("stake %.2f is under the registration minimum %.2f",
			reg.StakeAmount, params.MirageConfig().RegistrationMinStake)
	}
	if reg.StakeAddress == "" {
		return types.ValidationErrorf("registration is missing a stake address")
	}
	if _, err := s.cfg.Directory.GetPeer(reg.NodeID); err == nil {
		return types.PreconditionErrorf("node %s is already in the directory", reg.NodeID)
	} else if !errors.Is(err, types.ErrNotFound) {
		return errors.Wrap(err, "could not check the directory")
	}
	for _, status := range []types.RegistrationStatus{types.RegistrationPending, types.RegistrationStakeVerified} {
		open, err := s.cfg.Database.Registrations(ctx, filters.NewFilter().
			SetNodeID(reg.NodeID).SetStatus(string(status)))
		if err != nil {
			return errors.Wrap(err, "could not list registrations")
		}
		if len(open) > 0 {
			return types.PreconditionErrorf("node %s already has an admission in progress", reg.NodeID)
		}
	}
	return nil
}

func (s *Service) issueChallenges(ctx context.Context, reg *types.Registration, now time.Time) error {
	cfg := params.MirageConfig()
	expiry := now.Add(time.Duration(cfg.RegistrationChallengeTTL) * time.Second)
	plan := []struct {
		kind    types.ChallengeKind
		weight  float64
		payload int
		token   bool
	}{
		{types.ChallengeOwnershipSignature, cfg.OwnershipChallengeScore, ownershipPayloadSize, false},
		{types.ChallengeCapabilityProof, cfg.CapabilityChallengeScore, 0, false},
		{types.ChallengeReachabilityPing, cfg.ReachabilityChallengeScore, 0, true},
	}
	if reg.ClaimsCapability(types.CapabilityStorage) && !featureconfig.Get().DisableStorageChallenges {
		plan = append(plan, struct {
			kind    types.ChallengeKind
			weight  float64
			payload int
			token   bool
		}{types.ChallengeStorageProof, cfg.StorageChallengeScore, storagePayloadSize, true})
	}
	for _, entry := range plan {
		challenge := &types.RegistrationChallenge{
			ID:             uuid.New().String(),
			RegistrationID: reg.ID,
			NodeID:         reg.NodeID,
			Kind:           entry.kind,
			Weight:         entry.weight,
			IssuedAt:       now,
			ExpiresAt:      expiry,
		}
		if entry.payload > 0 {
			challenge.Payload = make([]byte, entry.payload)
			if _, err := rand.Read(challenge.Payload); err != nil {
				return errors.Wrap(err, "could not generate challenge payload")
			}
		}
		if entry.token {
			raw := make([]byte, tokenSize)
			if _, err := rand.Read(raw); err != nil {
				return errors.Wrap(err, "could not generate challenge token")
			}
			challenge.Token = hex.EncodeToString(raw)
		}
		if err := s.cfg.Database.SaveRegistrationChallenge(ctx, challenge); err != nil {
			return errors.Wrap(err, "could not persist challenge")
		}
	}
	return nil
}

// SubmitChallengeResponse judges a candidate's answer to one admission
// challenge. A passed challenge adds its weight to the verification score;
// once every issued challenge is answered the claimed stake is verified.
func (s *Service) SubmitChallengeResponse(ctx context.Context, challengeID string, resp *ChallengeResponse) (*types.RegistrationChallenge, error) {
	challenge, err := s.cfg.Database.RegistrationChallenge(ctx, challengeID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch challenge")
	}
	if challenge == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "challenge %s", challengeID)
	}
	if challenge.Completed {
		return nil, types.PreconditionErrorf("challenge %s is already answered", challengeID)
	}
	now := timeutils.Now()
	if challenge.ExpiredAt(now) {
		return nil, types.PreconditionErrorf("challenge %s expired", challengeID)
	}
	reg, err := s.registration(ctx, challenge.RegistrationID)
	if err != nil {
		return nil, err
	}
	if reg.Status != types.RegistrationPending {
		return nil, types.PreconditionErrorf("registration %s is %s and takes no responses", reg.ID, reg.Status)
	}
	if now.After(reg.ExpiresAt) {
		s.expire(ctx, reg)
		return nil, types.PreconditionErrorf("registration %s timed out", reg.ID)
	}
	if resp == nil {
		resp = &ChallengeResponse{}
	}
	passed := s.judge(ctx, reg, challenge, resp)
	challenge.Completed = true
	challenge.Passed = passed
	challenge.CompletedAt = now
	if err := s.cfg.Database.SaveRegistrationChallenge(ctx, challenge); err != nil {
		return nil, errors.Wrap(err, "could not persist challenge")
	}
	verdict := "failed"
	if passed {
		verdict = "passed"
		reg.Score += challenge.Weight
		if err := s.cfg.Database.SaveRegistration(ctx, reg); err != nil {
			return nil, errors.Wrap(err, "could not persist registration")
		}
	}
	challengesVerifiedTotal.WithLabelValues(string(challenge.Kind), verdict).Inc()
	if err := s.maybeVerifyStake(ctx, reg); err != nil {
		return nil, err
	}
	return challenge, nil
}

// judge verifies the response under the challenge's kind. Probe failures
// count as failed challenges, not errors; the candidate can be re-submitted.
func (s *Service) judge(ctx context.Context, reg *types.Registration, challenge *types.RegistrationChallenge, resp *ChallengeResponse) bool {
	switch challenge.Kind {
	case types.ChallengeOwnershipSignature:
		return ed25519.Verify(ed25519.PublicKey(reg.PublicKey), challenge.Payload, resp.Signature)
	case types.ChallengeCapabilityProof:
		for _, key := range []string{capBandwidthMbps, capStorageGB, capCPUCores} {
			if resp.Capabilities[key] <= 0 {
				return false
			}
		}
		return true
	case types.ChallengeReachabilityPing:
		ok, err := s.cfg.Prober.RegistrationPing(ctx, reg.Endpoint(), challenge.Token)
		if err != nil {
			log.WithError(err).WithField("nodeID", reg.NodeID).Debug("Reachability probe failed")
			return false
		}
		return ok
	case types.ChallengeStorageProof:
		data, err := s.cfg.Prober.RetrieveStored(ctx, reg.Endpoint(), challenge.Token)
		if err != nil {
			log.WithError(err).WithField("nodeID", reg.NodeID).Debug("Storage probe failed")
			return false
		}
		return bytes.Equal(data, challenge.Payload)
	default:
		return false
	}
}

// maybeVerifyStake checks the claimed stake once every issued challenge has
// been answered. A proven overclaim rejects the admission; transient chain
// trouble leaves it pending for the sweep to retry.
func (s *Service) maybeVerifyStake(ctx context.Context, reg *types.Registration) error {
	if reg.Status != types.RegistrationPending {
		return nil
	}
	challenges, err := s.cfg.Database.RegistrationChallenges(ctx, reg.ID)
	if err != nil {
		return errors.Wrap(err, "could not list challenges")
	}
	if len(challenges) == 0 {
		return nil
	}
	for _, c := range challenges {
		if !c.Completed {
			return nil
		}
	}
	validation, err := s.cfg.Stakes.ValidateStake(ctx, reg.NodeID, reg.StakeAddress, reg.StakeAmount)
	if err != nil {
		if types.IsIntegrity(err) {
			s.decide(ctx, reg, types.RegistrationRejected, "system")
			log.WithField("nodeID", reg.NodeID).Warn("Registration rejected, stake claim did not hold")
			return nil
		}
		log.WithError(err).WithField("nodeID", reg.NodeID).Warn("Could not verify stake, will retry")
		return nil
	}
	if !validation.Valid {
		s.decide(ctx, reg, types.RegistrationRejected, "system")
		return nil
	}
	reg.Status = types.RegistrationStakeVerified
	if err := s.cfg.Database.SaveRegistration(ctx, reg); err != nil {
		return errors.Wrap(err, "could not persist registration")
	}
	log.WithField("nodeID", reg.NodeID).Info("Stake verified")
	return nil
}

// ApproveRegistration admits a stake-verified candidate with a sufficient
// verification score into the peer directory.
func (s *Service) ApproveRegistration(ctx context.Context, registrationID, approver string) (*types.Peer, error) {
	reg, err := s.registration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if timeutils.Now().After(reg.ExpiresAt) && reg.Status != types.RegistrationStakeVerified {
		s.expire(ctx, reg)
		return nil, types.PreconditionErrorf("registration %s timed out", registrationID)
	}
	if reg.Status != types.RegistrationStakeVerified {
		return nil, types.PreconditionErrorf("registration %s is %s, approval needs a verified stake", registrationID, reg.Status)
	}
	threshold := params.MirageConfig().RegistrationApprovalScore
	if reg.Score < threshold {
		return nil, types.PreconditionErrorf("registration %s scored %.2f, approval needs %.2f", registrationID, reg.Score, threshold)
	}
	peer := &types.Peer{
		NodeID:         reg.NodeID,
		OverlayAddress: reg.OverlayAddress,
		Port:           reg.Port,
		Role:           reg.Role,
		Capabilities:   reg.Capabilities,
		PublicKey:      reg.PublicKey,
	}
	if err := s.cfg.Directory.AddPeer(ctx, peer); err != nil {
		return nil, errors.Wrap(err, "could not admit peer")
	}
	s.decide(ctx, reg, types.RegistrationApproved, approver)
	log.WithFields(logrus.Fields{
		"nodeID":   reg.NodeID,
		"approver": approver,
	}).Info("Registration approved")
	return peer, nil
}

// RejectRegistration refuses an undecided admission request.
func (s *Service) RejectRegistration(ctx context.Context, registrationID, decider string) (*types.Registration, error) {
	reg, err := s.registration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if reg.Status != types.RegistrationPending && reg.Status != types.RegistrationStakeVerified {
		return nil, types.PreconditionErrorf("registration %s is already %s", registrationID, reg.Status)
	}
	s.decide(ctx, reg, types.RegistrationRejected, decider)
	return reg, nil
}

// GetRegistration returns an admission request by id.
func (s *Service) GetRegistration(ctx context.Context, registrationID string) (*types.Registration, error) {
	return s.registration(ctx, registrationID)
}

// ListRegistrations returns the admission requests matching the filter
// criteria.
func (s *Service) ListRegistrations(ctx context.Context, f *filters.QueryFilter) ([]*types.Registration, error) {
	return s.cfg.Database.Registrations(ctx, f)
}

// GetChallenges returns the challenges issued for a registration.
func (s *Service) GetChallenges(ctx context.Context, registrationID string) ([]*types.RegistrationChallenge, error) {
	return s.cfg.Database.RegistrationChallenges(ctx, registrationID)
}

func (s *Service) registration(ctx context.Context, registrationID string) (*types.Registration, error) {
	reg, err := s.cfg.Database.Registration(ctx, registrationID)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch registration")
	}
	if reg == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "registration %s", registrationID)
	}
	return reg, nil
}

func (s *Service) decide(ctx context.Context, reg *types.Registration, status types.RegistrationStatus, decider string) {
	reg.Status = status
	reg.DecidedBy = decider
	reg.DecidedAt = timeutils.Now()
	if err := s.cfg.Database.SaveRegistration(ctx, reg); err != nil {
		log.WithError(err).WithField("registration", reg.ID).Error("Could not persist decision")
		return
	}
	registrationsDecidedTotal.WithLabelValues(string(status)).Inc()
}

func (s *Service) expire(ctx context.Context, reg *types.Registration) {
	reg.Status = types.RegistrationExpired
	if err := s.cfg.Database.SaveRegistration(ctx, reg); err != nil {
		log.WithError(err).WithField("registration", reg.ID).Error("Could not persist expiry")
		return
	}
	registrationsDecidedTotal.WithLabelValues(string(types.RegistrationExpired)).Inc()
}

// sweep expires timed-out admissions, retries stuck stake verifications and
// purges challenges whose admission window closed.
func (s *Service) sweep() {
	ctx := s.ctx
	now := timeutils.Now()
	for _, status := range []types.RegistrationStatus{types.RegistrationPending, types.RegistrationStakeVerified} {
		regs, err := s.cfg.Database.Registrations(ctx, filters.NewFilter().SetStatus(string(status)))
		if err != nil {
			log.WithError(err).Error("Could not list registrations for the sweep")
			return
		}
		for _, reg := range regs {
			if now.After(reg.ExpiresAt) {
				s.expire(ctx, reg)
				continue
			}
			if reg.Status == types.RegistrationPending {
				if err := s.maybeVerifyStake(ctx, reg); err != nil {
					log.WithError(err).WithField("registration", reg.ID).Error("Stake verification retry failed")
				}
			}
		}
	}
	cutoff := now.Add(-time.Duration(params.MirageConfig().RegistrationTimeout) * time.Second)
	pruned, err := s.cfg.Database.PruneRegistrationChallengesBefore(ctx, cutoff)
	if err != nil {
		log.WithError(err).Error("Could not purge admission challenges")
		return
	}
	if pruned > 0 {
		log.WithField("pruned", pruned).Debug("Purged admission challenges")
	}
}
