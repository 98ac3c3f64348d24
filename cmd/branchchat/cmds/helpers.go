package cmds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/tcnksm/go-input"
)

var nowFunc = time.Now

// loadState reads a conversation from a transcript file, or from the configured
// backend when file is empty.
func loadState(ctx context.Context, id, file string) (*conversation.State, error) {
	store := conversation.NewStore()
	defer store.Close()

	if file != "" {
		t, err := transcript.LoadFile(file)
		if err != nil {
			return nil, err
		}
		m, err := t.Restore()
		if err != nil {
			return nil, err
		}
		if err := store.Apply(m); err != nil {
			return nil, err
		}
		return store.Snapshot(), nil
	}

	if id == "" {
		return nil, errors.New("a conversation id or --file is required")
	}
	s, err := LoadSettings()
	if err != nil {
		return nil, err
	}
	backend, err := NewBackend(s)
	if err != nil {
		return nil, err
	}
	stored, err := backend.LoadConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	tree, err := stored.Tree()
	if err != nil {
		return nil, err
	}
	if err := store.Apply(conversation.MutateLoad(stored.ID, stored.Title, stored.Model, tree)); err != nil {
		return nil, err
	}
	return store.Snapshot(), nil
}

// confirmOverwrite asks before replacing an existing file.
func confirmOverwrite(in io.Reader, out io.Writer, path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true, nil
	}
	ui := &input.UI{
		Writer: out,
		Reader: in,
	}
	answer, err := ui.Ask(fmt.Sprintf("%s exists, overwrite? [y/n]", path), &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			switch answer {
			case "y", "Y", "n", "N":
				return nil
			default:
				return fmt.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, err
	}
	return answer == "y" || answer == "Y", nil
}

// writeTranscript writes t to path, or to out when path is empty.
func writeTranscript(in io.Reader, out io.Writer, path string, force bool, t *transcript.Transcript) error {
	if path == "" {
		var buf bytes.Buffer
		if err := transcript.Write(&buf, t); err != nil {
			return err
		}
		_, err := out.Write(buf.Bytes())
		return err
	}
	if !force {
		ok, err := confirmOverwrite(in, out, path)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("not overwriting %s", path)
		}
	}
	if err := transcript.SaveFile(path, t); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "wrote %d messages to %s\n", len(t.Messages), path)
	return err
}
