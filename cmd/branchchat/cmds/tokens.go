package cmds

import (
	"context"
	"fmt"
	"io"

	"github.com/go-go-golems/branchchat/pkg/tokens"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tiktoken-go/tokenizer"
)

type CountSettings struct {
	Model    string `glazed.parameter:"model"`
	Encoding string `glazed.parameter:"encoding"`
	Input    string `glazed.parameter:"input"`
}

type CountCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*CountCommand)(nil)

func NewCountCommand() (*CountCommand, error) {
	return &CountCommand{
		CommandDescription: cmds.NewCommandDescription(
			"count",
			cmds.WithShort("Count the tokens of files, - reads stdin"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"model",
					parameters.ParameterTypeString,
					parameters.WithHelp("Model used for encoding (configured model if empty)"),
				),
				parameters.NewParameterDefinition(
					"encoding",
					parameters.ParameterTypeString,
					parameters.WithHelp("Encoding, e.g. cl100k_base"),
				),
			),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"input",
					parameters.ParameterTypeStringFromFiles,
					parameters.WithHelp("Input files"),
					parameters.WithRequired(true),
				),
			),
		),
	}, nil
}

func (c *CountCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &CountSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return errors.Wrap(err, "could not initialize settings")
	}
	if s.Model == "" {
		s.Model = viper.GetString("model")
	}
	return countTokens(w, s)
}

func countTokens(w io.Writer, s *CountSettings) error {
	counter, err := tokens.NewCounter(s.Model, s.Encoding)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Model: %s\n", s.Model); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "Codec: %s\n", counter.Encoding()); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Total tokens: %d\n", counter.Count(s.Input))
	return err
}

type ListEncodingsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*ListEncodingsCommand)(nil)

func NewListEncodingsCommand() (*ListEncodingsCommand, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, err
	}
	return &ListEncodingsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list-encodings",
			cmds.WithShort("List the encodings tokens can be counted with"),
			cmds.WithLayersList(glazedLayer),
		),
	}, nil
}

var encodings = []tokenizer.Encoding{
	tokenizer.Cl100kBase,
	tokenizer.P50kBase,
	tokenizer.P50kEdit,
	tokenizer.R50kBase,
}

func (c *ListEncodingsCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *layers.ParsedLayers, gp middlewares.Processor) error {
	for _, row := range encodingRows(viper.GetString("model")) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// encodingRows lists the known encodings, marking the one model counts with.
func encodingRows(model string) []types.Row {
	configured := tokens.DefaultEncoding(model)
	if c, err := tokens.NewCounter(model, ""); err == nil {
		configured = c.Encoding()
	}
	ret := make([]types.Row, 0, len(encodings))
	for _, e := range encodings {
		ret = append(ret, types.NewRow(
			types.MRP("encoding", string(e)),
			types.MRP("configured", string(e) == configured),
		))
	}
	return ret
}

func NewTokensCommand() (*cobra.Command, error) {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Token utilities",
	}

	countCmd, err := NewCountCommand()
	if err != nil {
		return nil, err
	}
	countCobra, err := cli.BuildCobraCommandFromWriterCommand(countCmd)
	if err != nil {
		return nil, err
	}

	listCmd, err := NewListEncodingsCommand()
	if err != nil {
		return nil, err
	}
	listCobra, err := cli.BuildCobraCommandFromGlazeCommand(listCmd)
	if err != nil {
		return nil, err
	}

	tokensCmd.AddCommand(countCobra, listCobra)
	return tokensCmd, nil
}
