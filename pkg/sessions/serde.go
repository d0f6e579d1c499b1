package sessions

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/loom/pkg/conversation"
)

// Snapshot is a full serializable dump of one session: its timelines, turns,
// messages and steps.
type Snapshot struct {
	Session   *Session                `yaml:"session"`
	Timelines []*Timeline             `yaml:"timelines"`
	Turns     []*Turn                 `yaml:"turns"`
	Messages  []*conversation.Message `yaml:"messages"`
	Steps     []*Step                 `yaml:"steps,omitempty"`
}

// ExportSnapshot collects the session's full state from the store.
func (s *Store) ExportSnapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Session: sess}
	timelines, err := s.ListTimelines(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	snap.Timelines = timelines
	for _, tl := range timelines {
		turns, err := s.ListTurns(ctx, tl.ID)
		if err != nil {
			return nil, err
		}
		snap.Turns = append(snap.Turns, turns...)
		for _, turn := range turns {
			for _, id := range turn.InputMessageIDs {
				if msg, err := s.GetMessage(ctx, id); err == nil {
					snap.Messages = append(snap.Messages, msg)
				}
			}
			for _, id := range turn.OutputMessageIDs {
				if msg, err := s.GetMessage(ctx, id); err == nil {
					snap.Messages = append(snap.Messages, msg)
				}
			}
			for _, id := range turn.StepIDs {
				if step, err := s.GetStep(ctx, id); err == nil {
					snap.Steps = append(snap.Steps, step)
				}
			}
		}
	}
	return snap, nil
}

// ImportSnapshot loads a previously exported snapshot into the store.
func (s *Store) ImportSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.Session == nil {
		return errors.New("snapshot has no session")
	}
	if err := s.repos.Sessions.Add(ctx, snap.Session); err != nil {
		return err
	}
	for _, tl := range snap.Timelines {
		if err := s.repos.Timelines.Add(ctx, tl); err != nil {
			return err
		}
	}
	for _, turn := range snap.Turns {
		if err := s.repos.Turns.Add(ctx, turn); err != nil {
			return err
		}
	}
	for _, msg := range snap.Messages {
		if err := s.repos.Messages.Add(ctx, msg); err != nil {
			return err
		}
	}
	for _, step := range snap.Steps {
		if err := s.repos.Steps.Add(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (snap *Snapshot) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()
	return enc.Encode(snap)
}

func ReadSnapshotYAML(r io.Reader) (*Snapshot, error) {
	var snap Snapshot
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "could not decode snapshot")
	}
	return &snap, nil
}

func (snap *Snapshot) SaveToFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return snap.WriteYAML(f)
}

func LoadSnapshotFromFile(filename string) (*Snapshot, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadSnapshotYAML(f)
}
