package cmds

import (
	"context"
	"io"
	"os"

	"github.com/go-go-golems/branchchat/pkg/transcript"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/pkg/errors"
)

type ExportSettings struct {
	ConversationID string `glazed.parameter:"conversation-id"`
	Output         string `glazed.parameter:"output-file"`
	Force          bool   `glazed.parameter:"force"`
}

type ExportCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ExportCommand)(nil)

// outputFlags are shared by the commands that write a transcript.
func outputFlags() []*parameters.ParameterDefinition {
	return []*parameters.ParameterDefinition{
		parameters.NewParameterDefinition(
			"output-file",
			parameters.ParameterTypeString,
			parameters.WithHelp("Output file (stdout if empty)"),
			parameters.WithShortFlag("o"),
		),
		parameters.NewParameterDefinition(
			"force",
			parameters.ParameterTypeBool,
			parameters.WithHelp("Overwrite the output file without asking"),
			parameters.WithDefault(false),
		),
	}
}

func NewExportCommand() (*ExportCommand, error) {
	return &ExportCommand{
		CommandDescription: cmds.NewCommandDescription(
			"export",
			cmds.WithShort("Export a stored conversation, all branches included, as a YAML transcript"),
			cmds.WithFlags(outputFlags()...),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"conversation-id",
					parameters.ParameterTypeString,
					parameters.WithHelp("Stored conversation to export"),
					parameters.WithRequired(true),
				),
			),
		),
	}, nil
}

func (c *ExportCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &ExportSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "could not initialize settings")
	}
	st, err := loadState(ctx, s.ConversationID, "")
	if err != nil {
		return err
	}
	return writeTranscript(os.Stdin, w, s.Output, s.Force, transcript.FromState(st, nowFunc()))
}
