package ci

import "context"

// Filter narrows which events a subscriber receives. A nil or empty
// EventTypes/Branches matches everything for that dimension.
type Filter struct {
	EventTypes []EventType
	Branches   []string
}

func (f Filter) matches(e Event) bool {
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Branches) > 0 {
		ok := false
		for _, b := range f.Branches {
			if b == e.Branch {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// CIProvider triggers builds and manages pull requests for agent branches.
// LocalProvider is the only implementation; the interface exists so a real
// CI backend can be substituted without touching the lifecycle loop.
type CIProvider interface {
	TriggerBuild(ctx context.Context, branch string) (*BuildStatus, error)
	GetBuildStatus(ctx context.Context, runID string) (*BuildStatus, error)
	WaitForBuild(ctx context.Context, runID string) (*BuildStatus, error)

	CreatePR(ctx context.Context, branch, target, title, body string) (*PRInfo, error)
	GetPRStatus(ctx context.Context, number int) (*PRInfo, error)
	MergePR(ctx context.Context, number int) (*PRInfo, error)
	WaitForPRMerge(ctx context.Context, number int) (*PRInfo, error)

	Subscribe(filter Filter) (*Subscription, error)
	Unsubscribe(sub *Subscription) error
}
