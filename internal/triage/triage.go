// Package triage condenses a detection run into a per-party digest that
// orders the analyst review queue. It ranks findings; it never decides a case.
package triage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Priority orders parties in the review queue.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Processor ranks the parties implicated by a detection run.
type Processor struct {
	// Confidence at or above which a party is queued as high priority
	ReviewThreshold int

	// Distinct typologies at or above which a party is at least medium priority
	CorroborationThreshold int
}

// NewProcessor creates a processor with default settings.
func NewProcessor() *Processor {
	return &Processor{
		ReviewThreshold:        70,
		CorroborationThreshold: 2,
	}
}

// Input contains the run outputs to condense.
type Input struct {
	CaseID     string
	RunID      string
	Detections []domain.DetectionSummary
	// Gaps lists typologies that were skipped or failed during the run.
	Gaps      []string
	StartTime time.Time
}

// PartyDigest summarizes every detection implicating one party.
type PartyDigest struct {
	PartyID        string         `json:"partyId"`
	Detections     int            `json:"detections"`
	MaxConfidence  int            `json:"maxConfidence"`
	MeanConfidence float64        `json:"meanConfidence"`
	Typologies     map[string]int `json:"typologies"`
	Priority       Priority       `json:"priority"`
}

// Digest is the condensed view of one detection run.
type Digest struct {
	ID         string         `json:"id"`
	CaseID     string         `json:"caseId"`
	RunID      string         `json:"runId"`
	Timestamp  time.Time      `json:"timestamp"`
	Parties    []PartyDigest  `json:"parties"`
	GraphLevel int            `json:"graphLevel"`
	ByTypology map[string]int `json:"byTypology"`
	Gaps       []string       `json:"gaps,omitempty"`
	Metadata   DigestMetadata `json:"metadata"`
}

// DigestMetadata records how the digest was produced.
type DigestMetadata struct {
	DetectionsProcessed int    `json:"detectionsProcessed"`
	PartiesRanked       int    `json:"partiesRanked"`
	DigestMs            int64  `json:"digestMs"`
	TotalMs             int64  `json:"totalMs"`
	EngineVersion       string `json:"engineVersion"`
	TraceID             string `json:"traceId,omitempty"`
}

// Process builds the digest for a run.
func (p *Processor) Process(ctx context.Context, input *Input) *Digest {
	start := time.Now()

	digest := &Digest{
		ID:         uuid.New().String(),
		CaseID:     input.CaseID,
		RunID:      input.RunID,
		Timestamp:  time.Now().UTC(),
		Parties:    []PartyDigest{},
		ByTypology: make(map[string]int),
		Gaps:       input.Gaps,
	}

	type acc struct {
		PartyDigest
		sum int
	}
	byParty := make(map[string]*acc)
	for _, d := range input.Detections {
		digest.ByTypology[d.TypologyCode]++
		if d.PartyID == "" {
			digest.GraphLevel++
			continue
		}
		a, ok := byParty[d.PartyID]
		if !ok {
			a = &acc{PartyDigest: PartyDigest{PartyID: d.PartyID, Typologies: make(map[string]int)}}
			byParty[d.PartyID] = a
		}
		a.Detections++
		a.sum += d.Confidence
		a.Typologies[d.TypologyCode]++
		if d.Confidence > a.MaxConfidence {
			a.MaxConfidence = d.Confidence
		}
	}

	for _, a := range byParty {
		a.MeanConfidence = float64(a.sum) / float64(a.Detections)
		a.Priority = p.priority(&a.PartyDigest)
		digest.Parties = append(digest.Parties, a.PartyDigest)
	}
	sort.Slice(digest.Parties, func(i, j int) bool {
		a, b := digest.Parties[i], digest.Parties[j]
		if a.MaxConfidence != b.MaxConfidence {
			return a.MaxConfidence > b.MaxConfidence
		}
		if a.Detections != b.Detections {
			return a.Detections > b.Detections
		}
		return a.PartyID < b.PartyID
	})

	digest.Metadata = DigestMetadata{
		DetectionsProcessed: len(input.Detections),
		PartiesRanked:       len(digest.Parties),
		DigestMs:            time.Since(start).Milliseconds(),
		EngineVersion:       "kestrel-1.0",
	}
	if !input.StartTime.IsZero() {
		digest.Metadata.TotalMs = time.Since(input.StartTime).Milliseconds()
	}
	return digest
}

func (p *Processor) priority(d *PartyDigest) Priority {
	switch {
	case d.MaxConfidence >= p.ReviewThreshold:
		return PriorityHigh
	case len(d.Typologies) >= p.CorroborationThreshold:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// HighPriority returns the parties queued as high priority.
func HighPriority(d *Digest) []PartyDigest {
	var out []PartyDigest
	for _, p := range d.Parties {
		if p.Priority == PriorityHigh {
			out = append(out, p)
		}
	}
	return out
}

// Reasons renders one line per ranked party.
func Reasons(d *Digest) []string {
	reasons := make([]string, 0, len(d.Parties))
	for _, p := range d.Parties {
		codes := make([]string, 0, len(p.Typologies))
		for c := range p.Typologies {
			codes = append(codes, c)
		}
		sort.Strings(codes)
		reasons = append(reasons, fmt.Sprintf("party %s: %d detections (%s), max confidence %d",
			p.PartyID, p.Detections, strings.Join(codes, ", "), p.MaxConfidence))
	}
	return reasons
}
