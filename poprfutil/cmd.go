/*
Copyright © 2026 the PopRF authors.
This file is part of PopRF.

PopRF is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

PopRF is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with PopRF.  If not, see <http://www.gnu.org/licenses/>.
*/

package poprfutil

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/lnashier/viper"
	"github.com/spatialmodel/poprf"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to PopRF.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "WorkingDir",
			usage: `
              WorkingDir is the directory that relative input paths are
              resolved against.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "MastergridFile",
			usage: `
              MastergridFile is the path to the zone raster: a NetCDF file
              whose integer pixel values are census zone identifiers.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "CensusFile",
			usage: `
              CensusFile is the path to the census table (CSV or XLSX) holding
              one population total per zone.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "CensusIDColumn",
			usage: `
              CensusIDColumn names the census table column holding zone
              identifiers.`,
			defaultVal: "id",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "CensusPopColumn",
			usage: `
              CensusPopColumn names the census table column holding zone
              population totals.`,
			defaultVal: "pop",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "CovariateFiles",
			usage: `
              CovariateFiles maps covariate names to raster paths. Covariates
              enter the model in name order.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "WaterMaskFile",
			usage: `
              WaterMaskFile is an optional binary raster; pixels where it is
              zero or nodata receive no population.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "ConstraintsFile",
			usage: `
              ConstraintsFile is an optional raster of constraint weights.
              When given, a second redistribution weighted by it is written to
              dasymetric_constrained.nc.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "AgeSexFile",
			usage: `
              AgeSexFile is an optional table of age-sex group structure per
              zone, with group columns named like m0, m5, f80.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "BlockProcessing",
			usage: `
              BlockProcessing processes rasters in rectangular blocks instead
              of whole-grid, bounding memory use on large rasters.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "BlockSizeX",
			usage: `
              BlockSizeX is the block width in pixels.`,
			defaultVal: 256,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "BlockSizeY",
			usage: `
              BlockSizeY is the block height in pixels.`,
			defaultVal: 256,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "MaxWorkers",
			usage: `
              MaxWorkers bounds the worker pool. Zero means one worker per
              CPU.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Seed",
			usage: `
              Seed fixes the random number generator for model training, so
              identical inputs give identical outputs.`,
			defaultVal: 42,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogTransform",
			usage: `
              LogTransform trains the model on log population density.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "StrictZones",
			usage: `
              StrictZones makes any zone present in only one of the mastergrid
              and the census table a fatal error instead of a warning.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "ZeroEligiblePolicy",
			usage: `
              ZeroEligiblePolicy says what to do with a populated zone that has
              no eligible pixels after masking: "drop" drops and reports the
              population, "error" fails the run.`,
			defaultVal: "drop",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "SelectionThreshold",
			usage: `
              SelectionThreshold drops features whose permutation importance
              falls below it and refits the model. Zero disables selection.`,
			defaultVal: 0.0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "DerivedFeatures",
			usage: `
              DerivedFeatures maps new feature names to arithmetic expressions
              over the covariate columns, for example
              {"bldg_density": "bldg_avg / area_avg"}.`,
			defaultVal: map[string]string{},
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "OutputDir",
			usage: `
              OutputDir is the directory output artifacts are written to.`,
			defaultVal: "output",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "LogFile",
			usage: `
              LogFile, when set, duplicates log output to the given file.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("POPRF")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case float64:
				if option.shorthand == "" {
					set.Float64(option.name, option.defaultVal.(float64), option.usage)
				} else {
					set.Float64P(option.name, option.shorthand, option.defaultVal.(float64), option.usage)
				}
			case map[string]string:
				b := bytes.NewBuffer(nil)
				e := json.NewEncoder(b)
				e.Encode(option.defaultVal)
				s := string(b.Bytes())
				if option.shorthand == "" {
					set.String(option.name, s, option.usage)
				} else {
					set.StringP(option.name, option.shorthand, s, option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
	Root.AddCommand(featuresCmd)
	Root.AddCommand(trainCmd)
	Root.AddCommand(predictCmd)
	Root.AddCommand(redistributeCmd)
	Root.AddCommand(agesexCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("poprf: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "poprf",
	Short: "A dasymetric population mapping engine.",
	Long: `PopRF predicts high-resolution population distributions by combining
coarse census totals with raster covariates through an ensemble-tree model
and a mass-preserving dasymetric redistribution.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using
command-line arguments, or by setting environment variables in the format
'POPRF_var' where 'var' is the name of the variable to be set.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of PopRF.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("PopRF v%s\n", poprf.Version)
	},
	DisableAutoGenTag: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline.",
	Long: `run executes the complete workflow: feature extraction, model
training, surface prediction, dasymetric redistribution, and, when an
age-sex table is configured, group disaggregation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := NewPipeline(Cfg)
		if err != nil {
			return err
		}
		_, err = p.Run(cmd.Context())
		return err
	},
	DisableAutoGenTag: true,
}

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Extract zonal features.",
	Long: `features extracts per-zone covariate statistics, joins them with
the census table, and writes features.csv into the output directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunFeatures(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Extract features and train the model.",
	Long: `train extracts zonal features and fits the ensemble regressor,
writing features.csv, model.gob, feature_importance.csv, and the fit
diagnostic plot into the output directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunTrain(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict the density surface.",
	Long: `predict loads model.gob from the output directory and applies it
pixel by pixel, writing prediction.nc.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunPredict(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}

var redistributeCmd = &cobra.Command{
	Use:   "redistribute",
	Short: "Redistribute census population.",
	Long: `redistribute spreads the census populations over the prediction
surface in the output directory, writing dasymetric.nc and
normalized_census.nc (plus constrained variants when a constraints raster
is configured).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunRedistribute(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}

var agesexCmd = &cobra.Command{
	Use:   "agesex",
	Short: "Disaggregate age-sex groups.",
	Long: `agesex splits dasymetric.nc in the output directory into one
raster per age-sex group using the configured age-sex table.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunAgeSex(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}
