package transcript

import (
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultAutosaveFormat = `{{.Year}}/{{.Month}}/{{.Day}}/{{.Time.Format "150405"}}-{{.ConversationID | default "draft"}}.yaml`

// Autosaver writes a transcript whenever an exchange ends.
type Autosaver struct {
	dir   string
	tmpl  *template.Template
	start time.Time
	now   func() time.Time
}

// NewAutosaver saves below dir (~/.branchchat/history if empty) using the path
// template format (DefaultAutosaveFormat if empty).
func NewAutosaver(dir, format string) (*Autosaver, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		dir = filepath.Join(homeDir, ".branchchat", "history")
	}
	if format == "" {
		format = DefaultAutosaveFormat
	}
	tmpl, err := template.New("autosave").Funcs(sprig.TxtFuncMap()).Parse(format)
	if err != nil {
		return nil, errors.Wrap(err, "invalid autosave path template")
	}
	return &Autosaver{
		dir:   dir,
		tmpl:  tmpl,
		start: time.Now(),
		now:   time.Now,
	}, nil
}

// Path renders the file the state is saved to.
func (a *Autosaver) Path(st *conversation.State) (string, error) {
	data := map[string]interface{}{
		"Year":           a.start.Format("2006"),
		"Month":          a.start.Format("01"),
		"Day":            a.start.Format("02"),
		"Time":           a.start,
		"ConversationID": st.ConversationID,
		"Title":          st.Title,
		"Model":          st.Model,
	}
	var sb strings.Builder
	if err := a.tmpl.Execute(&sb, data); err != nil {
		return "", errors.Wrap(err, "could not render autosave path")
	}
	rel := filepath.Clean(sb.String())
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
		return "", errors.Errorf("autosave path %q escapes %s", rel, a.dir)
	}
	return filepath.Join(a.dir, rel), nil
}

func (a *Autosaver) Save(st *conversation.State) (string, error) {
	path, err := a.Path(st)
	if err != nil {
		return "", err
	}
	return path, SaveFile(path, FromState(st, a.now()))
}

// Attach saves the store's state each time an exchange reaches a terminal status.
// The returned func detaches.
func (a *Autosaver) Attach(store *conversation.Store) func() {
	return store.Subscribe(func(ch conversation.Change) {
		if ch.Mutation != "set_status" || !ch.Status.IsTerminal() {
			return
		}
		path, err := a.Save(store.Snapshot())
		if err != nil {
			log.Warn().Err(err).Msg("autosave failed")
			return
		}
		log.Debug().Str("path", path).Msg("autosaved transcript")
	})
}
