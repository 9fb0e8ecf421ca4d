// Copyright 2022 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var verbose bool

// formatFlag only accepts registered output formats.
type formatFlag struct {
	value string
}

var _ pflag.Value = (*formatFlag)(nil)

func (f *formatFlag) String() string {
	return f.value
}

func (f *formatFlag) Set(value string) error {
	if _, err := GetWriter(value); err != nil {
		return err
	}
	f.value = strings.ToLower(value)
	return nil
}

func (f *formatFlag) Type() string {
	return "format"
}

var format = formatFlag{value: "verbatim"}

var command = &cobra.Command{
	Use:   "ida2src input [-o output]",
	Short: "Convert an IDA listing to assembly or C++",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		config := Config{InputPath: args[0], Format: format.value}
		config.OutputPath, _ = cmd.PersistentFlags().GetString("output")
		config.SymbolsPath, _ = cmd.PersistentFlags().GetString("symbols")
		config.HeaderPath, _ = cmd.PersistentFlags().GetString("header")
		config.Chunks, _ = cmd.PersistentFlags().GetInt("chunks")
		config.ExtraMemory, _ = cmd.PersistentFlags().GetInt("extra-memory")
		config.DisableOptimizations, _ = cmd.PersistentFlags().GetBool("disable-optimizations")
		config.Boundary, _ = cmd.PersistentFlags().GetString("boundary")
		if config.OutputPath == "" {
			_, _ = fmt.Fprintln(os.Stderr, "Output file missing")
			os.Exit(1)
		}
		converter, err := NewConverter(config)
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if err := converter.Convert(); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

var dumpCommand = &cobra.Command{
	Use:   "dump input",
	Short: "Print the items recovered from a listing",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		symbolsPath, _ := cmd.Flags().GetString("symbols")
		showTokens, _ := cmd.Flags().GetBool("tokens")
		if err := dump(args[0], symbolsPath, showTokens); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

// dump parses the whole listing in one piece and pretty prints what it found.
func dump(path, symbolsPath string, showTokens bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	symbols := NewSymbolTable()
	if symbolsPath != "" {
		if symbols, err = LoadSymbolFile(symbolsPath); err != nil {
			return err
		}
	}
	tokens := Tokenize(data, len(data), len(data))
	if showTokens {
		for i := 0; i < tokens.Len(); i++ {
			_, _ = pp.Println(tokens.At(i))
		}
	}
	structs, defines := NewStructStream(), NewDefinesMap()
	parser := NewParser(tokens, symbols, structs, defines)
	if err := parser.Parse(); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, st := range structs.Structs() {
		_, _ = pp.Println(st)
	}
	for _, d := range defines.Defines() {
		_, _ = pp.Println(d)
	}
	for _, item := range parser.Items().Items() {
		_, _ = pp.Println(item)
	}
	return nil
}

func init() {
	command.PersistentFlags().StringP("output", "o", "", "output file, a chunk index is added when splitting")
	command.PersistentFlags().StringP("symbols", "s", "", "symbol file with removals, replacements, exports and imports")
	command.PersistentFlags().String("header", "", "C header declaring the exported symbols")
	command.PersistentFlags().VarP(&format, "format", "f", "output format (verbatim, masm, cpp)")
	command.PersistentFlags().IntP("chunks", "n", 1, fmt.Sprintf("number of output files (at most %d)", maxChunks))
	command.PersistentFlags().Int("extra-memory", 0, "bytes added to the end of the C++ memory")
	command.PersistentFlags().Bool("disable-optimizations", false, "if set, translate every instruction as is")
	command.PersistentFlags().String("boundary", defaultBoundary, "directive that ends the listing header")
	command.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "if set, increase verbosity level")

	dumpCommand.Flags().Bool("tokens", false, "if set, print the tokens as well")
	command.AddCommand(dumpCommand)
}

func main() {
	if err := command.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
