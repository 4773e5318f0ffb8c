// Package flags attaches operational state to nodes. Rules evaluate small
// metric predicates against the live directory and raise flags when they
// hold; raised flags walk a lifecycle of acknowledgment, resolution,
// escalation and expiry, and roll up into per node summaries that price the
// network's health.
package flags

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/miragelabs/mirage/coordinator/db"
	"github.com/miragelabs/mirage/coordinator/types"
	"github.com/miragelabs/mirage/shared/params"
	"github.com/miragelabs/mirage/shared/runutil"
	"github.com/miragelabs/mirage/shared/timeutils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "flags")

// creditSnapshotTTL keeps a node's windowed credit figure warm across the
// rules of one sweep without outliving the next sweep.
const creditSnapshotTTL = 30 * time.Second

var (
	flagsRaisedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "node_flags_raised_total",
		Help: "Number of flags raised, by severity.",
	}, []string{"severity"})
	flagsResolvedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_flags_resolved_total",
		Help: "Number of flags resolved.",
	})
	flagsEscalatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_flags_escalated_total",
		Help: "Number of flag escalations, manual and automatic.",
	})
	networkHealthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "network_health_score",
		Help: "Flag-weighted network health, 100 is unblemished.",
	})
)

// NodeSource lists the peers the monitor walks and their probe times.
type NodeSource interface {
	GetActivePeers() []*types.Peer
	ResponseTime(nodeID string) (time.Duration, bool)
}

// CreditSource reports windowed work credits for a node.
type CreditSource interface {
	CalculateWorkCredits(ctx context.Context, entityID string, windowDays uint64) (float64, error)
}

// Config options for the flag engine.
type Config struct {
	Database db.Database
	Peers    NodeSource
	Credits  CreditSource
}

// Service evaluates flag rules and manages the flag lifecycle.
type Service struct {
	cfg    *Config
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService initializes the flag engine.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the monitoring sweep and the retention prune.
func (s *Service) Start() {
	interval := time.Duration(params.MirageConfig().FlagSyncInterval) * time.Second
	runutil.RunEvery(s.ctx, interval, s.sweep)
	runutil.RunEvery(s.ctx, 6*time.Hour, s.pruneTerminal)
	log.Info("Flag engine started")
}

// Stop the monitoring loops.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status always returns nil.
func (s *Service) Status() error {
	return nil
}

func (s *Service) sweep() {
	if err := s.EvaluateRules(s.ctx); err != nil {
		log.WithError(err).Error("Rule evaluation pass failed")
	}
	if err := s.escalateOverdue(s.ctx); err != nil {
		log.WithError(err).Error("Escalation pass failed")
	}
	if err := s.expireFlags(s.ctx); err != nil {
		log.WithError(err).Error("Expiry pass failed")
	}
	if health, err := s.NetworkHealth(s.ctx); err == nil {
		networkHealthGauge.Set(health)
	}
}

// RaiseFlag validates and persists a new flag against a node. When the node
// already carries the maximum number of open flags, the oldest info and low
// flags are resolved by the system to make room; if none can be, the raise
// is refused.
func (s *Service) RaiseFlag(ctx context.Context, flag *types.Flag) (*types.Flag, error) {
	if flag == nil || flag.NodeID == "" || flag.Kind == "" {
		return nil, types.ValidationErrorf("a flag needs a node id and a kind")
	}
	if types.SeverityWeight(flag.Severity) == 0 {
		return nil, types.ValidationErrorf("unknown severity %q", flag.Severity)
	}
	if flag.Source == "" {
		flag.Source = types.SourceOperator
	}
	if err := s.makeRoom(ctx, flag.NodeID); err != nil {
		return nil, err
	}

	now := timeutils.Now()
	flag.ID = uuid.New().String()
	flag.Status = types.FlagActive
	flag.CreatedAt = now
	flag.UpdatedAt = now
	if flag.ExpiresAt.IsZero() {
		retention := time.Duration(params.MirageConfig().FlagRetentionDays) * 24 * time.Hour
		flag.ExpiresAt = now.Add(retention)
	}
	if err := s.cfg.Database.SaveFlag(ctx, flag); err != nil {
		return nil, errors.Wrap(err, "could not persist flag")
	}
	s.recordEvent(ctx, flag, "raised", string(flag.Source), flag.Title)
	s.refreshSummary(ctx, flag.NodeID)
	flagsRaisedTotal.WithLabelValues(string(flag.Severity)).Inc()
	log.WithFields(logrus.Fields{
		"nodeID":   flag.NodeID,
		"kind":     flag.Kind,
		"severity": flag.Severity,
	}).Info("Raised flag")
	return flag, nil
}

// AcknowledgeFlag marks an active or escalated flag as seen by an operator.
func (s *Service) AcknowledgeFlag(ctx context.Context, id, actor string) (*types.Flag, error) {
	flag, err := s.openFlag(ctx, id)
	if err != nil {
		return nil, err
	}
	if flag.Status == types.FlagAcknowledged {
		return nil, types.PreconditionErrorf("flag %s is already acknowledged", id)
	}
	flag.Status = types.FlagAcknowledged
	flag.AcknowledgedBy = actor
	flag.AcknowledgedAt = timeutils.Now()
	flag.UpdatedAt = flag.AcknowledgedAt
	if err := s.cfg.Database.SaveFlag(ctx, flag); err != nil {
		return nil, errors.Wrap(err, "could not persist acknowledgment")
	}
	s.recordEvent(ctx, flag, "acknowledged", actor, "")
	return flag, nil
}

// ResolveFlag closes an open flag. Resolution is terminal.
func (s *Service) ResolveFlag(ctx context.Context, id, actor, note string) (*types.Flag, error) {
	flag, err := s.openFlag(ctx, id)
	if err != nil {
		return nil, err
	}
	flag.Status = types.FlagResolved
	flag.ResolvedBy = actor
	flag.ResolvedAt = timeutils.Now()
	flag.UpdatedAt = flag.ResolvedAt
	if err := s.cfg.Database.SaveFlag(ctx, flag); err != nil {
		return nil, errors.Wrap(err, "could not persist resolution")
	}
	s.recordEvent(ctx, flag, "resolved", actor, note)
	s.refreshSummary(ctx, flag.NodeID)
	flagsResolvedTotal.Inc()
	return flag, nil
}

// EscalateFlag raises the urgency of an open flag one severity step and
// marks it escalated.
func (s *Service) EscalateFlag(ctx context.Context, id, actor, note string) (*types.Flag, error) {
	flag, err := s.openFlag(ctx, id)
	if err != nil {
		return nil, err
	}
	flag.Status = types.FlagEscalated
	flag.Severity = bumpSeverity(flag.Severity)
	flag.EscalationCount++
	flag.UpdatedAt = timeutils.Now()
	if err := s.cfg.Database.SaveFlag(ctx, flag); err != nil {
		return nil, errors.Wrap(err, "could not persist escalation")
	}
	s.recordEvent(ctx, flag, "escalated", actor, note)
	s.refreshSummary(ctx, flag.NodeID)
	flagsEscalatedTotal.Inc()
	log.WithFields(logrus.Fields{
		"flag":     flag.ID,
		"nodeID":   flag.NodeID,
		"severity": flag.Severity,
	}).Warn("Escalated flag")
	return flag, nil
}

// GetFlag retrieval by id.
func (s *Service) GetFlag(ctx context.Context, id string) (*types.Flag, error) {
	flag, err := s.cfg.Database.Flag(ctx, id)
	if err != nil {
		return nil, err
	}
	if flag == nil {
		return nil, errors.Wrapf(types.ErrNotFound, "flag %s", id)
	}
	return flag, nil
}

// GetNodeFlags returns every flag attached to the node.
func (s *Service) GetNodeFlags(ctx context.Context, nodeID string) ([]*types.Flag, error) {
	return s.cfg.Database.FlagsByNode(ctx, nodeID)
}

// GetFlagSummary returns the node's cached rollup, recomputing it when the
// node has none yet.
func (s *Service) GetFlagSummary(ctx context.Context, nodeID string) (*types.FlagSummary, error) {
	summary, err := s.cfg.Database.FlagSummary(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return s.computeSummary(ctx, nodeID)
	}
	return summary, nil
}

// NetworkHealth prices the whole network from the flag rollups: 100 less
// every node's weighted open-flag score, floored at zero.
func (s *Service) NetworkHealth(ctx context.Context) (float64, error) {
	summaries, err := s.cfg.Database.FlagSummaries(ctx)
	if err != nil {
		return 0, err
	}
	health := 100.0
	for _, summary := range summaries {
		health -= summary.WeightedScore
	}
	if health < 0 {
		health = 0
	}
	return health, nil
}

// PutRule validates and stores an evaluation rule.
func (s *Service) PutRule(ctx context.Context, rule *types.FlagRule) (*types.FlagRule, error) {
	if rule == nil || rule.Kind == "" {
		return nil, types.ValidationErrorf("a rule needs a kind")
	}
	switch rule.Condition.Metric {
	case types.MetricUptime, types.MetricWorkCredits, types.MetricResponseTime:
	default:
		return nil, types.ValidationErrorf("unknown rule metric %q", rule.Condition.Metric)
	}
	switch rule.Condition.Comparator {
	case types.CompareEq, types.CompareNe, types.CompareLt, types.CompareLe, types.CompareGt, types.CompareGe:
	default:
		return nil, types.ValidationErrorf("unknown rule comparator %q", rule.Condition.Comparator)
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := s.cfg.Database.SaveFlagRule(ctx, rule); err != nil {
		return nil, errors.Wrap(err, "could not persist rule")
	}
	return rule, nil
}

// DeleteRule removes an evaluation rule.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	return s.cfg.Database.DeleteFlagRule(ctx, id)
}

// ListRules returns every configured evaluation rule.
func (s *Service) ListRules(ctx context.Context) ([]*types.FlagRule, error) {
	return s.cfg.Database.FlagRules(ctx)
}

// EvaluateRules runs every enabled rule against every active peer. A holding
// condition raises a monitor flag unless the node already carries an open
// flag of the rule's kind; a cleared condition resolves monitor flags of
// that kind when the rule auto-resolves.
func (s *Service) EvaluateRules(ctx context.Context) error {
	rules, err := s.cfg.Database.FlagRules(ctx)
	if err != nil {
		return errors.Wrap(err, "could not load rules")
	}
	enabled := rules[:0]
	for _, rule := range rules {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	if len(enabled) == 0 {
		return nil
	}

	for _, peer := range s.cfg.Peers.GetActivePeers() {
		open, err := s.openFlagsByKind(ctx, peer.NodeID)
		if err != nil {
			return err
		}
		for _, rule := range enabled {
			observed, ok := s.observe(ctx, peer, rule.Condition)
			if !ok {
				continue
			}
			holds := rule.Condition.Comparator.Compare(observed, rule.Condition.Value)
			existing := open[rule.Kind]
			switch {
			case holds && existing == nil:
				monitor := &types.Flag{
					NodeID:   peer.NodeID,
					Kind:     rule.Kind,
					Severity: rule.Severity,
					Source:   types.SourceMonitor,
					Title:    fmt.Sprintf("%s %s %g", rule.Condition.Metric, rule.Condition.Comparator, rule.Condition.Value),
					Metadata: map[string]string{"observed": fmt.Sprintf("%g", observed)},
				}
				if rule.Expiry > 0 {
					monitor.ExpiresAt = timeutils.Now().Add(rule.Expiry)
				}
				raised, err := s.RaiseFlag(ctx, monitor)
				if err != nil {
					log.WithError(err).WithField("nodeID", peer.NodeID).Warn("Could not raise monitor flag")
					continue
				}
				open[rule.Kind] = raised
			case holds && existing != nil && rule.AutoEscalate && existing.Status == types.FlagActive:
				// The condition held across two sweeps without anyone looking.
				if _, err := s.EscalateFlag(ctx, existing.ID, string(types.SourceSystem), "condition persisted"); err != nil {
					log.WithError(err).WithField("flag", existing.ID).Warn("Could not auto-escalate")
				}
			case !holds && existing != nil && rule.AutoResolve && existing.Source == types.SourceMonitor:
				if _, err := s.ResolveFlag(ctx, existing.ID, string(types.SourceSystem), "condition cleared"); err != nil {
					log.WithError(err).WithField("flag", existing.ID).Warn("Could not auto-resolve")
				} else {
					delete(open, rule.Kind)
				}
			}
		}
	}
	return nil
}

func (s *Service) observe(ctx context.Context, peer *types.Peer, cond types.FlagCondition) (float64, bool) {
	switch cond.Metric {
	case types.MetricUptime:
		return peer.Uptime, true
	case types.MetricWorkCredits:
		if s.cfg.Credits == nil {
			return peer.WorkCredits, true
		}
		key := fmt.Sprintf("flags/credits/%s/%d", peer.NodeID, cond.WindowDays)
		if cached, ok := s.cfg.Database.CacheGet(key); ok {
			if credits, ok := cached.(float64); ok {
				return credits, true
			}
		}
		credits, err := s.cfg.Credits.CalculateWorkCredits(ctx, peer.NodeID, uint64(cond.WindowDays))
		if err != nil {
			log.WithError(err).WithField("nodeID", peer.NodeID).Warn("Could not compute windowed credits")
			return 0, false
		}
		s.cfg.Database.CacheSet(key, credits, creditSnapshotTTL)
		return credits, true
	case types.MetricResponseTime:
		rtt, ok := s.cfg.Peers.ResponseTime(peer.NodeID)
		if !ok {
			return 0, false
		}
		return float64(rtt.Milliseconds()), true
	default:
		return 0, false
	}
}

// escalateOverdue escalates unacknowledged critical and high flags that sat
// past their grace delay.
func (s *Service) escalateOverdue(ctx context.Context) error {
	cfg := params.MirageConfig()
	now := timeutils.Now()
	flags, err := s.cfg.Database.Flags(ctx, nil)
	if err != nil {
		return err
	}
	for _, flag := range flags {
		if flag.Status != types.FlagActive {
			continue
		}
		var delay time.Duration
		switch flag.Severity {
		case types.SeverityCritical:
			delay = time.Duration(cfg.CriticalEscalationDelay) * time.Second
		case types.SeverityHigh:
			delay = time.Duration(cfg.HighEscalationDelay) * time.Second
		default:
			continue
		}
		if now.Sub(flag.CreatedAt) < delay {
			continue
		}
		if _, err := s.EscalateFlag(ctx, flag.ID, string(types.SourceSystem), "sat unacknowledged past the grace delay"); err != nil {
			log.WithError(err).WithField("flag", flag.ID).Warn("Could not escalate overdue flag")
		}
	}
	return nil
}

// expireFlags retires open flags whose expiry instant passed.
func (s *Service) expireFlags(ctx context.Context) error {
	now := timeutils.Now()
	flags, err := s.cfg.Database.Flags(ctx, nil)
	if err != nil {
		return err
	}
	for _, flag := range flags {
		if !flag.Open() || flag.ExpiresAt.IsZero() || !now.After(flag.ExpiresAt) {
			continue
		}
		flag.Status = types.FlagExpired
		flag.UpdatedAt = now
		if err := s.cfg.Database.SaveFlag(ctx, flag); err != nil {
			log.WithError(err).WithField("flag", flag.ID).Warn("Could not expire flag")
			continue
		}
		s.recordEvent(ctx, flag, "expired", string(types.SourceSystem), "")
		s.refreshSummary(ctx, flag.NodeID)
	}
	return nil
}

func (s *Service) pruneTerminal() {
	retention := time.Duration(params.MirageConfig().FlagRetentionDays) * 24 * time.Hour
	pruned, err := s.cfg.Database.PruneTerminalFlagsBefore(s.ctx, timeutils.Now().Add(-retention))
	if err != nil {
		log.WithError(err).Error("Could not prune terminal flags")
		return
	}
	if pruned > 0 {
		log.WithField("pruned", pruned).Debug("Pruned terminal flags")
	}
}

// makeRoom resolves the oldest dispensable flags when the node sits at its
// open-flag cap. Only info and low flags are dispensable.
func (s *Service) makeRoom(ctx context.Context, nodeID string) error {
	limit := params.MirageConfig().MaxActiveFlagsPerNode
	if limit <= 0 {
		return nil
	}
	open, err := s.cfg.Database.CountOpenFlags(ctx, nodeID)
	if err != nil {
		return errors.Wrap(err, "could not count open flags")
	}
	if open < limit {
		return nil
	}
	flags, err := s.cfg.Database.FlagsByNode(ctx, nodeID)
	if err != nil {
		return err
	}
	dispensable := make([]*types.Flag, 0)
	for _, flag := range flags {
		if !flag.Open() {
			continue
		}
		if flag.Severity == types.SeverityInfo || flag.Severity == types.SeverityLow {
			dispensable = append(dispensable, flag)
		}
	}
	if len(dispensable) == 0 {
		return types.PreconditionErrorf("node %s already carries %d open flags", nodeID, open)
	}
	sort.Slice(dispensable, func(i, j int) bool {
		return dispensable[i].CreatedAt.Before(dispensable[j].CreatedAt)
	})
	needed := open - limit + 1
	if needed > len(dispensable) {
		return types.PreconditionErrorf("node %s already carries %d open flags", nodeID, open)
	}
	for _, flag := range dispensable[:needed] {
		if _, err := s.ResolveFlag(ctx, flag.ID, string(types.SourceSystem), "displaced by newer flag"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) openFlag(ctx context.Context, id string) (*types.Flag, error) {
	flag, err := s.GetFlag(ctx, id)
	if err != nil {
		return nil, err
	}
	if !flag.Open() {
		return nil, types.PreconditionErrorf("flag %s is %s, which is terminal", id, flag.Status)
	}
	return flag, nil
}

func (s *Service) openFlagsByKind(ctx context.Context, nodeID string) (map[string]*types.Flag, error) {
	flags, err := s.cfg.Database.FlagsByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	open := make(map[string]*types.Flag)
	for _, flag := range flags {
		if flag.Open() {
			open[flag.Kind] = flag
		}
	}
	return open, nil
}

func (s *Service) recordEvent(ctx context.Context, flag *types.Flag, action, actor, note string) {
	event := &types.FlagEvent{
		ID:        uuid.New().String(),
		FlagID:    flag.ID,
		NodeID:    flag.NodeID,
		Action:    action,
		Actor:     actor,
		Note:      note,
		CreatedAt: timeutils.Now(),
	}
	if err := s.cfg.Database.SaveFlagEvent(ctx, event); err != nil {
		log.WithError(err).WithField("flag", flag.ID).Warn("Could not record flag event")
	}
}

func (s *Service) refreshSummary(ctx context.Context, nodeID string) {
	if _, err := s.computeSummary(ctx, nodeID); err != nil {
		log.WithError(err).WithField("nodeID", nodeID).Warn("Could not refresh flag summary")
	}
}

func (s *Service) computeSummary(ctx context.Context, nodeID string) (*types.FlagSummary, error) {
	flags, err := s.cfg.Database.FlagsByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	summary := &types.FlagSummary{
		NodeID:    nodeID,
		Counts:    make(map[types.FlagSeverity]int),
		UpdatedAt: timeutils.Now(),
	}
	for _, flag := range flags {
		if !flag.Open() {
			continue
		}
		summary.Counts[flag.Severity]++
		summary.OpenFlags++
		summary.WeightedScore += severityWeight(flag.Severity)
	}
	if err := s.cfg.Database.SaveFlagSummary(ctx, summary); err != nil {
		return nil, errors.Wrap(err, "could not persist flag summary")
	}
	return summary, nil
}

// severityWeight reads the configured health weights, falling back to the
// protocol defaults for anything unset.
func severityWeight(severity types.FlagSeverity) float64 {
	cfg := params.MirageConfig()
	switch severity {
	case types.SeverityCritical:
		return cfg.FlagWeightCritical
	case types.SeverityHigh:
		return cfg.FlagWeightHigh
	case types.SeverityMedium:
		return cfg.FlagWeightMedium
	case types.SeverityLow:
		return cfg.FlagWeightLow
	case types.SeverityInfo:
		return cfg.FlagWeightInfo
	default:
		return types.SeverityWeight(severity)
	}
}

func bumpSeverity(severity types.FlagSeverity) types.FlagSeverity {
	switch severity {
	case types.SeverityInfo:
		return types.SeverityLow
	case types.SeverityLow:
		return types.SeverityMedium
	case types.SeverityMedium:
		return types.SeverityHigh
	default:
		return types.SeverityCritical
	}
}
