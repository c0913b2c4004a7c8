package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/oompalabs/oompa/pkg/models"
)

// Control-signal markers workers emit in their output. The protocol is
// plain text so any backend that can print can participate.
const (
	markerClaim   = "CLAIM:"
	markerReady   = "READY"
	markerDone    = "DONE"
	markerPropose = "PROPOSE-TASK:"
)

// Signals holds the control signals parsed from one worker output.
type Signals struct {
	// ClaimIDs lists task ids the worker asks to claim.
	ClaimIDs []string
	// Ready means the worker considers its change ready to integrate.
	Ready bool
	// Done means the worker found no more work to do.
	Done bool
	// Proposals are follow-on tasks the worker suggested. They are
	// staged, never admitted directly to pending.
	Proposals []*models.Task
}

// ParseSignals extracts control signals from worker output. Marker
// lines must start at column zero; anything else is prose and ignored.
func ParseSignals(output string, workerID string) *Signals {
	sig := &Signals{}
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimRight(raw, "\r")
		switch {
		case strings.HasPrefix(line, markerClaim):
			rest := strings.TrimSpace(strings.TrimPrefix(line, markerClaim))
			for _, id := range strings.FieldsFunc(rest, func(r rune) bool {
				return r == ' ' || r == ','
			}) {
				sig.ClaimIDs = append(sig.ClaimIDs, id)
			}
		case strings.TrimSpace(line) == markerReady:
			sig.Ready = true
		case strings.TrimSpace(line) == markerDone:
			sig.Done = true
		case strings.HasPrefix(line, markerPropose):
			rest := strings.TrimSpace(strings.TrimPrefix(line, markerPropose))
			id, summary, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			task := &models.Task{
				ID:         strings.TrimSpace(id),
				Summary:    strings.TrimSpace(summary),
				ProposedBy: workerID,
				CreatedAt:  time.Now(),
			}
			if task.Validate() == nil {
				sig.Proposals = append(sig.Proposals, task)
			}
		}
	}
	return sig
}

// RenderClaimResponse formats the structured result of a claim request
// so the worker can be resumed with it.
func RenderClaimResponse(claimed, alreadyTaken, notFound []string) string {
	var sb strings.Builder
	sb.WriteString("Claim results:\n")
	if len(claimed) > 0 {
		fmt.Fprintf(&sb, "  claimed: %s\n", strings.Join(claimed, ", "))
	}
	if len(alreadyTaken) > 0 {
		fmt.Fprintf(&sb, "  already taken by another worker: %s\n", strings.Join(alreadyTaken, ", "))
	}
	if len(notFound) > 0 {
		fmt.Fprintf(&sb, "  not found: %s\n", strings.Join(notFound, ", "))
	}
	if len(claimed) == 0 {
		sb.WriteString("  nothing claimed; pick different tasks or emit DONE.\n")
	}
	return sb.String()
}
