package transcript

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const CurrentVersion = 1

// Transcript is the on-disk form of a conversation: the full tree, not only the
// displayed chain, plus the branch selections.
type Transcript struct {
	Version    int                     `yaml:"version"`
	ID         string                  `yaml:"id"`
	Title      string                  `yaml:"title,omitempty"`
	Model      string                  `yaml:"model,omitempty"`
	SavedAt    time.Time               `yaml:"savedAt"`
	Selections map[string]string       `yaml:"selections,omitempty"`
	Messages   []*conversation.Message `yaml:"messages"`
}

// FromState captures st. The state must not be mutated concurrently; pass a
// snapshot.
func FromState(st *conversation.State, now time.Time) *Transcript {
	ret := &Transcript{
		Version:  CurrentVersion,
		ID:       st.ConversationID,
		Title:    st.Title,
		Model:    st.Model,
		SavedAt:  now,
		Messages: st.Tree.Messages(),
	}
	if len(st.Selections) > 0 {
		ret.Selections = make(map[string]string, len(st.Selections))
		for k, v := range st.Selections {
			ret.Selections[k] = v.String()
		}
	}
	return ret
}

func (t *Transcript) Tree() (*conversation.Tree, error) {
	return conversation.NewTreeFromMessages(t.Messages...)
}

func (t *Transcript) GetSelections() conversation.Selections {
	ret := make(conversation.Selections, len(t.Selections))
	for k, v := range t.Selections {
		ret[k] = conversation.NodeID(v)
	}
	return ret
}

// Restore returns the mutation that loads the transcript into a store.
func (t *Transcript) Restore() (conversation.Mutation, error) {
	tree, err := t.Tree()
	if err != nil {
		return nil, errors.Wrapf(err, "transcript %s is not a valid tree", t.ID)
	}
	return conversation.MutateRestore(t.ID, t.Title, t.Model, tree, t.GetSelections()), nil
}

func Write(w io.Writer, t *Transcript) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return errors.Wrap(err, "could not encode transcript")
	}
	return enc.Close()
}

func Read(r io.Reader) (*Transcript, error) {
	var ret Transcript
	if err := yaml.NewDecoder(r).Decode(&ret); err != nil {
		return nil, errors.Wrap(err, "could not decode transcript")
	}
	if ret.Version > CurrentVersion {
		return nil, errors.Errorf("transcript version %d is newer than supported version %d", ret.Version, CurrentVersion)
	}
	return &ret, nil
}

// SaveFile writes the transcript atomically, creating parent directories.
func SaveFile(path string, t *Transcript) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "could not create directory for %s", path)
	}
	var buf bytes.Buffer
	if err := Write(&buf, t); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "could not write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "could not move transcript to %s", path)
	}
	return nil
}

func LoadFile(path string) (*Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open transcript %s", path)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)
	return Read(f)
}
