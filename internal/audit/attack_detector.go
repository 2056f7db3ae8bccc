package audit

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/renov-easy/auth-core/internal/domain"
)

// AuditSource is the narrow read interface the attack detector needs.
// It never calls back into the OTP service or orchestrator, preserving
// the one-way composition rule of §9: C7 reads C6, nothing reads C7.
type AuditSource interface {
	FindSuspicious(ctx context.Context, ip string, since time.Time) ([]domain.AuditEvent, error)
}

// Pattern identifies a distributed-attack shape (§4.7).
type Pattern string

const (
	PatternCredentialStuffing Pattern = "credential_stuffing"
	PatternSubnetAttack       Pattern = "subnet_attack"
	PatternIPRotation         Pattern = "ip_rotation"
	PatternMixed              Pattern = "mixed_pattern"
)

// Action is the recommended response to a detected pattern.
type Action string

const (
	ActionNone            Action = "none"
	ActionEnableCaptcha   Action = "enable_captcha"
	ActionBlockSubnet     Action = "block_subnet"
	ActionAlertAdmins     Action = "alert_admins"
	ActionSystemLockdown  Action = "system_lockdown"
)

// Detection is the result of a single detect() pass.
type Detection struct {
	Detected       bool
	Pattern        Pattern
	Confidence     float64
	SuspiciousIPs  []string
	TargetedPhones []string
	Action         Action
	Details        string
}

// TrendAnalysis summarizes authentication event volume over a longer window.
type TrendAnalysis struct {
	TotalEvents         int
	UniqueIPs           int
	MeanEventsPerHour   float64
	PeakHour            string
	HourlyDistribution  map[string]int
}

// DetectorConfig tunes the thresholds of §4.7.
type DetectorConfig struct {
	Window                time.Duration
	CredentialIPThreshold int
	SubnetIPThreshold     int
	SubnetMaskIPv4        int
	SubnetMaskIPv6        int
	RotationVelocity      float64
}

// DefaultDetectorConfig returns the default detection thresholds (§4.7).
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Window:                domain.AttackDetectorWindow,
		CredentialIPThreshold: domain.CredentialStuffingIPThreshold,
		SubnetIPThreshold:     domain.SubnetAttackIPThreshold,
		SubnetMaskIPv4:        24,
		SubnetMaskIPv6:        48,
		RotationVelocity:      domain.IPRotationVelocityThreshold,
	}
}

// Detector classifies recent authentication failures for distributed
// attack patterns (§4.7).
type Detector struct {
	source AuditSource
	clock  domain.Clock
	cfg    DetectorConfig
}

// NewDetector creates a Detector reading from source.
func NewDetector(source AuditSource, clock domain.Clock, cfg DetectorConfig) *Detector {
	return &Detector{source: source, clock: clock, cfg: cfg}
}

// Detect analyzes the configured window of recent suspicious events and
// classifies them per §4.7's credential-stuffing/subnet/rotation/mixed rules.
func (d *Detector) Detect(ctx context.Context) (Detection, error) {
	now := d.clock.Now().UTC()
	since := now.Add(-d.cfg.Window)

	events, err := d.source.FindSuspicious(ctx, "", since)
	if err != nil {
		return Detection{}, fmt.Errorf("attack detector: load events: %w", err)
	}
	if len(events) == 0 {
		return Detection{Action: ActionNone, Details: "no recent authentication events"}, nil
	}

	stuffing := d.detectCredentialStuffing(events)
	subnet := d.detectSubnetAttack(events)
	rotation := d.detectIPRotation(events, since, now)

	return d.combine(stuffing, subnet, rotation), nil
}

func (d *Detector) detectCredentialStuffing(events []domain.AuditEvent) Detection {
	phoneToIPs := map[string]map[string]struct{}{}
	for _, e := range events {
		if e.PhoneMasked == "" {
			continue
		}
		ips, ok := phoneToIPs[e.PhoneMasked]
		if !ok {
			ips = map[string]struct{}{}
			phoneToIPs[e.PhoneMasked] = ips
		}
		ips[e.IPAddress] = struct{}{}
	}

	var targets []string
	allIPs := map[string]struct{}{}
	for phone, ips := range phoneToIPs {
		if len(ips) < d.cfg.CredentialIPThreshold {
			continue
		}
		targets = append(targets, phone)
		for ip := range ips {
			allIPs[ip] = struct{}{}
		}
	}
	if len(targets) == 0 {
		return Detection{}
	}

	confidence := min(float64(len(targets))/10.0, 0.9)
	return Detection{
		Detected:       true,
		Pattern:        PatternCredentialStuffing,
		Confidence:     confidence,
		SuspiciousIPs:  keys(allIPs),
		TargetedPhones: targets,
		Action:         ActionEnableCaptcha,
		Details: fmt.Sprintf("%d phone numbers targeted by >= %d distinct IPs",
			len(targets), d.cfg.CredentialIPThreshold),
	}
}

func (d *Detector) detectSubnetAttack(events []domain.AuditEvent) Detection {
	subnetToIPs := map[string]map[string]struct{}{}
	for _, e := range events {
		ip := net.ParseIP(e.IPAddress)
		if ip == nil {
			continue
		}
		subnet := d.subnetFor(ip)
		ips, ok := subnetToIPs[subnet]
		if !ok {
			ips = map[string]struct{}{}
			subnetToIPs[subnet] = ips
		}
		ips[e.IPAddress] = struct{}{}
	}

	var bestSubnet string
	var bestIPs map[string]struct{}
	for subnet, ips := range subnetToIPs {
		if len(ips) < d.cfg.SubnetIPThreshold {
			continue
		}
		if bestIPs == nil || len(ips) > len(bestIPs) {
			bestSubnet, bestIPs = subnet, ips
		}
	}
	if bestIPs == nil {
		return Detection{}
	}

	confidence := min(float64(len(bestIPs))/10.0, 0.95)
	return Detection{
		Detected:      true,
		Pattern:       PatternSubnetAttack,
		Confidence:    confidence,
		SuspiciousIPs: keys(bestIPs),
		Action:        ActionBlockSubnet,
		Details: fmt.Sprintf("%d IPs from subnet %s (threshold %d)",
			len(bestIPs), bestSubnet, d.cfg.SubnetIPThreshold),
	}
}

func (d *Detector) detectIPRotation(events []domain.AuditEvent, since, now time.Time) Detection {
	minutes := now.Sub(since).Minutes()
	if minutes <= 0 {
		return Detection{}
	}

	unique := map[string]struct{}{}
	for _, e := range events {
		unique[e.IPAddress] = struct{}{}
	}
	velocity := float64(len(unique)) / minutes
	if velocity < d.cfg.RotationVelocity {
		return Detection{}
	}

	confidence := min(velocity/10.0, 0.85)
	return Detection{
		Detected:      true,
		Pattern:       PatternIPRotation,
		Confidence:    confidence,
		SuspiciousIPs: keys(unique),
		Action:        ActionAlertAdmins,
		Details: fmt.Sprintf("IP rotation velocity %.2f/min (threshold %.2f)",
			velocity, d.cfg.RotationVelocity),
	}
}

func (d *Detector) combine(results ...Detection) Detection {
	var detected []Detection
	allIPs := map[string]struct{}{}
	allPhones := map[string]struct{}{}
	var maxConfidence float64
	var details []string

	for _, r := range results {
		if !r.Detected {
			continue
		}
		detected = append(detected, r)
		for _, ip := range r.SuspiciousIPs {
			allIPs[ip] = struct{}{}
		}
		for _, p := range r.TargetedPhones {
			allPhones[p] = struct{}{}
		}
		if r.Confidence > maxConfidence {
			maxConfidence = r.Confidence
		}
		details = append(details, r.Details)
	}

	if len(detected) == 0 {
		return Detection{Action: ActionNone, Details: "no attack patterns detected"}
	}

	pattern := detected[0].Pattern
	action := detected[0].Action
	if len(detected) > 1 {
		pattern = PatternMixed
		action = ActionSystemLockdown
		maxConfidence = min(maxConfidence*domain.MixedPatternConfidenceMultiplier, domain.MaxDetectorConfidence)
	}

	return Detection{
		Detected:       true,
		Pattern:        pattern,
		Confidence:     maxConfidence,
		SuspiciousIPs:  keys(allIPs),
		TargetedPhones: keys(allPhones),
		Action:         action,
		Details:        joinDetails(details),
	}
}

func (d *Detector) subnetFor(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		mask := net.CIDRMask(d.cfg.SubnetMaskIPv4, 32)
		return (&net.IPNet{IP: v4.Mask(mask), Mask: mask}).String()
	}
	mask := net.CIDRMask(d.cfg.SubnetMaskIPv6, 128)
	return (&net.IPNet{IP: ip.Mask(mask), Mask: mask}).String()
}

// analyzeShards bounds the fan-out width of AnalyzeTrends regardless of
// event volume.
const analyzeShards = 4

// AnalyzeTrends returns volume trends over the given hour window. The
// fetched event set is partitioned into disjoint shards and aggregated
// concurrently via errgroup, each goroutine owning its own local maps, so
// no locking is needed on the hot aggregation path.
func (d *Detector) AnalyzeTrends(ctx context.Context, hours int) (TrendAnalysis, error) {
	now := d.clock.Now().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour)

	events, err := d.source.FindSuspicious(ctx, "", since)
	if err != nil {
		return TrendAnalysis{}, fmt.Errorf("attack detector: analyze trends: %w", err)
	}

	hourlyShards := make([]map[string]int, analyzeShards)
	ipShards := make([]map[string]struct{}, analyzeShards)
	chunk := (len(events) + analyzeShards - 1) / analyzeShards
	if chunk == 0 {
		chunk = 1
	}

	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < analyzeShards; i++ {
		i := i
		start := i * chunk
		if start >= len(events) {
			hourlyShards[i] = map[string]int{}
			ipShards[i] = map[string]struct{}{}
			continue
		}
		end := min(start+chunk, len(events))

		g.Go(func() error {
			hourly := make(map[string]int)
			ips := make(map[string]struct{})
			for _, e := range events[start:end] {
				hourly[e.CreatedAt.Format("2006-01-02 15:00")]++
				ips[e.IPAddress] = struct{}{}
			}
			hourlyShards[i] = hourly
			ipShards[i] = ips
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TrendAnalysis{}, err
	}

	hourly := map[string]int{}
	unique := map[string]struct{}{}
	for i := 0; i < analyzeShards; i++ {
		for hour, count := range hourlyShards[i] {
			hourly[hour] += count
		}
		for ip := range ipShards[i] {
			unique[ip] = struct{}{}
		}
	}

	var peakHour string
	var peakCount int
	for hour, count := range hourly {
		if count > peakCount {
			peakHour, peakCount = hour, count
		}
	}

	return TrendAnalysis{
		TotalEvents:        len(events),
		UniqueIPs:          len(unique),
		MeanEventsPerHour:  float64(len(events)) / float64(hours),
		PeakHour:           peakHour,
		HourlyDistribution: hourly,
	}, nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func joinDetails(details []string) string {
	out := ""
	for i, d := range details {
		if i > 0 {
			out += "; "
		}
		out += d
	}
	return out
}
