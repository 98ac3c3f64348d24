package cmds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/render"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/pkg/errors"
)

type ShowSettings struct {
	ConversationID string   `glazed.parameter:"conversation-id"`
	File           string   `glazed.parameter:"file"`
	Tree           bool     `glazed.parameter:"tree"`
	Detailed       bool     `glazed.parameter:"detailed"`
	Markdown       bool     `glazed.parameter:"markdown"`
	Style          string   `glazed.parameter:"style"`
	RenameRoles    []string `glazed.parameter:"rename-roles"`
}

type ShowCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*ShowCommand)(nil)

func NewShowCommand() (*ShowCommand, error) {
	return &ShowCommand{
		CommandDescription: cmds.NewCommandDescription(
			"show",
			cmds.WithShort("Print a conversation"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"file",
					parameters.ParameterTypeString,
					parameters.WithHelp("Read the conversation from a transcript file"),
				),
				parameters.NewParameterDefinition(
					"tree",
					parameters.ParameterTypeBool,
					parameters.WithHelp("Print all branches instead of the displayed one"),
					parameters.WithDefault(false),
				),
				parameters.NewParameterDefinition(
					"detailed",
					parameters.ParameterTypeBool,
					parameters.WithHelp("Print message details"),
					parameters.WithDefault(false),
				),
				parameters.NewParameterDefinition(
					"markdown",
					parameters.ParameterTypeBool,
					parameters.WithHelp("Style the output for the terminal"),
					parameters.WithDefault(false),
				),
				parameters.NewParameterDefinition(
					"style",
					parameters.ParameterTypeChoice,
					parameters.WithHelp("Markdown style"),
					parameters.WithChoices("dark", "light", "notty"),
					parameters.WithDefault("dark"),
				),
				parameters.NewParameterDefinition(
					"rename-roles",
					parameters.ParameterTypeStringList,
					parameters.WithHelp("Rename roles, e.g. user=me,assistant=bot"),
				),
			),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"conversation-id",
					parameters.ParameterTypeString,
					parameters.WithHelp("Stored conversation to print (unless --file is given)"),
				),
			),
		),
	}, nil
}

func (c *ShowCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &ShowSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "could not initialize settings")
	}
	return show(ctx, w, s)
}

func show(ctx context.Context, w io.Writer, s *ShowSettings) error {
	renames, err := parseRenameRoles(s.RenameRoles)
	if err != nil {
		return err
	}
	st, err := loadState(ctx, s.ConversationID, s.File)
	if err != nil {
		return err
	}

	r := &render.Renderer{Concise: !s.Detailed, RenameRoles: renames}
	var buf bytes.Buffer
	if s.Tree {
		err = r.Tree(&buf, st)
	} else {
		err = r.Chain(&buf, st)
	}
	if err != nil {
		return err
	}

	out := buf.String()
	if s.Markdown && !s.Tree {
		if out, err = render.Markdown(out, s.Style); err != nil {
			return err
		}
	}
	_, err = fmt.Fprint(w, out)
	return err
}

func parseRenameRoles(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	ret := make(map[string]string, len(pairs))
	for _, p := range pairs {
		from, to, ok := strings.Cut(p, "=")
		if !ok || from == "" || to == "" {
			return nil, errors.Errorf("invalid role rename %q, expected role=name", p)
		}
		ret[from] = to
	}
	return ret, nil
}
