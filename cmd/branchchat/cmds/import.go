package cmds

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/importer"
	"github.com/go-go-golems/branchchat/pkg/transcript"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/pkg/errors"
)

type ImportSettings struct {
	Source string `glazed.parameter:"source"`
	Output string `glazed.parameter:"output-file"`
	Force  bool   `glazed.parameter:"force"`
}

type ImportCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ImportCommand)(nil)

func NewImportCommand() (*ImportCommand, error) {
	return &ImportCommand{
		CommandDescription: cmds.NewCommandDescription(
			"import",
			cmds.WithShort("Import a shared conversation page as a YAML transcript"),
			cmds.WithFlags(outputFlags()...),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"source",
					parameters.ParameterTypeString,
					parameters.WithHelp("URL or saved HTML file of the shared page"),
					parameters.WithRequired(true),
				),
			),
		),
	}, nil
}

func (c *ImportCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &ImportSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "could not initialize settings")
	}
	t, err := importShared(ctx, s.Source)
	if err != nil {
		return err
	}
	return writeTranscript(os.Stdin, w, s.Output, s.Force, t)
}

func importShared(ctx context.Context, source string) (*transcript.Transcript, error) {
	var shared *importer.Shared
	var err error
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		httpClient := &http.Client{Timeout: 30 * time.Second}
		shared, err = importer.Fetch(ctx, httpClient, source, client.URLPolicy{})
	} else {
		var f *os.File
		f, err = os.Open(source)
		if err != nil {
			return nil, errors.Wrapf(err, "could not open %s", source)
		}
		defer func(f *os.File) {
			_ = f.Close()
		}(f)
		shared, err = importer.Parse(f)
	}
	if err != nil {
		return nil, err
	}

	tree, err := shared.Tree()
	if err != nil {
		return nil, err
	}
	st := conversation.NewState()
	st.ConversationID = shared.ID
	st.Title = shared.Title
	st.Tree = tree
	return transcript.FromState(st, nowFunc()), nil
}
