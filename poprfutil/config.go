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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/lnashier/viper"
	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/poprf"
	"github.com/spf13/cast"
)

// PipelineConfig creates a pipeline configuration from the
// configuration information.
func PipelineConfig(cfg *viper.Viper) (*poprf.Config, error) {
	seed, err := cast.ToInt64E(cfg.Get("Seed"))
	if err != nil {
		return nil, fmt.Errorf("poprf: invalid Seed: %v", err)
	}
	c := &poprf.Config{
		WorkingDir:         os.ExpandEnv(cfg.GetString("WorkingDir")),
		MastergridFile:     os.ExpandEnv(cfg.GetString("MastergridFile")),
		CensusFile:         os.ExpandEnv(cfg.GetString("CensusFile")),
		CensusIDColumn:     cfg.GetString("CensusIDColumn"),
		CensusPopColumn:    cfg.GetString("CensusPopColumn"),
		CovariateFiles:     expandPaths(GetStringMapString("CovariateFiles", cfg)),
		WaterMaskFile:      os.ExpandEnv(cfg.GetString("WaterMaskFile")),
		ConstraintsFile:    os.ExpandEnv(cfg.GetString("ConstraintsFile")),
		AgeSexFile:         os.ExpandEnv(cfg.GetString("AgeSexFile")),
		BlockProcessing:    cfg.GetBool("BlockProcessing"),
		BlockSizeX:         cfg.GetInt("BlockSizeX"),
		BlockSizeY:         cfg.GetInt("BlockSizeY"),
		MaxWorkers:         cfg.GetInt("MaxWorkers"),
		Seed:               seed,
		LogTransform:       cfg.GetBool("LogTransform"),
		StrictZones:        cfg.GetBool("StrictZones"),
		ZeroEligiblePolicy: cfg.GetString("ZeroEligiblePolicy"),
		SelectionThreshold: cfg.GetFloat64("SelectionThreshold"),
		DerivedFeatures:    GetStringMapString("DerivedFeatures", cfg),
		OutputDir:          os.ExpandEnv(cfg.GetString("OutputDir")),
		LogFile:            os.ExpandEnv(cfg.GetString("LogFile")),
	}
	return c, c.Validate()
}

func expandPaths(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

// GetStringMapString returns a map[string]string from a viper
// configuration, accounting for the fact that it might be a json
// object if it was set from a command line argument.
func GetStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	switch i.(type) {
	case nil:
		return map[string]string{}
	case map[string]string:
		return i.(map[string]string)
	case map[string]interface{}:
		return cast.ToStringMapString(i)
	case string:
		b := bytes.NewBuffer(([]byte)(i.(string)))
		d := json.NewDecoder(b)
		o := make(map[string]string)
		if err := d.Decode(&o); err != nil {
			panic(err)
		}
		return o
	default:
		panic(fmt.Errorf("invalid type for GetStringMapString variable %s: %#v", varName, i))
	}
}

// initLog creates the run logger, duplicating output to the configured
// log file when there is one.
func initLog(c *poprf.Config) (logrus.FieldLogger, error) {
	log := logrus.New()
	if c.LogFile != "" {
		f, err := os.OpenFile(c.Abs(c.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("poprf: opening log file: %v", err)
		}
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	return log, nil
}

// printProgress writes stage progress to standard output.
func printProgress(stage string, percent int, message string) {
	fmt.Printf("[%3d%%] %s: %s\n", percent, stage, message)
}

// NewPipeline builds a ready-to-run pipeline from the configuration
// information.
func NewPipeline(cfg *viper.Viper) (*poprf.Pipeline, error) {
	c, err := PipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	log, err := initLog(c)
	if err != nil {
		return nil, err
	}
	return &poprf.Pipeline{
		Config:   c,
		Log:      log,
		Progress: printProgress,
	}, nil
}

// A stageEnv holds the inputs shared by the stage entry points:
// configuration, logger, the (possibly remasked) mastergrid, and the
// census table.
type stageEnv struct {
	c      *poprf.Config
	log    logrus.FieldLogger
	master *poprf.Raster
	census *poprf.CensusTable
	covs   []poprf.Covariate
	outDir string
}

func newStageEnv(ctx context.Context, cfg *viper.Viper) (*stageEnv, error) {
	c, err := PipelineConfig(cfg)
	if err != nil {
		return nil, err
	}
	log, err := initLog(c)
	if err != nil {
		return nil, err
	}
	outDir := c.Abs(c.OutputDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("poprf: creating output directory: %w", err)
	}
	master, err := poprf.OpenRaster(c.Abs(c.MastergridFile))
	if err != nil {
		return nil, err
	}
	if c.WaterMaskFile != "" {
		mask, err := poprf.OpenRaster(c.Abs(c.WaterMaskFile))
		if err != nil {
			return nil, err
		}
		base := strings.TrimSuffix(filepath.Base(c.MastergridFile), filepath.Ext(c.MastergridFile))
		master, err = poprf.RemaskGrid(ctx, master, mask,
			filepath.Join(outDir, base+"_remasked.nc"), c.Blocks(), log)
		if err != nil {
			return nil, err
		}
	}
	census, err := poprf.ReadCensusTable(c.Abs(c.CensusFile), c.CensusIDColumn, c.CensusPopColumn)
	if err != nil {
		return nil, err
	}
	return &stageEnv{
		c:      c,
		log:    log,
		master: master,
		census: census,
		covs:   c.Covariates(),
		outDir: outDir,
	}, nil
}

func (e *stageEnv) extract(ctx context.Context) (*poprf.FeatureTable, error) {
	return poprf.ExtractFeatures(ctx, e.master, e.covs, e.census, poprf.ExtractOptions{
		Strict:  e.c.StrictZones,
		Derived: e.c.DerivedFeatures,
		Blocks:  e.c.Blocks(),
		Log:     e.log,
	})
}

// RunFeatures extracts zonal features and writes features.csv.
func RunFeatures(ctx context.Context, cfg *viper.Viper) error {
	e, err := newStageEnv(ctx, cfg)
	if err != nil {
		return err
	}
	table, err := e.extract(ctx)
	if err != nil {
		return err
	}
	path := filepath.Join(e.outDir, "features.csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("poprf: creating feature table: %w", err)
	}
	defer f.Close()
	return table.WriteCSV(f)
}

// RunTrain extracts features and trains the model, writing
// features.csv, model.gob, and the training diagnostics.
func RunTrain(ctx context.Context, cfg *viper.Viper) error {
	e, err := newStageEnv(ctx, cfg)
	if err != nil {
		return err
	}
	table, err := e.extract(ctx)
	if err != nil {
		return err
	}
	path := filepath.Join(e.outDir, "features.csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("poprf: creating feature table: %w", err)
	}
	if err := table.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	model, err := poprf.Train(table, poprf.TrainOptions{
		Seed:               e.c.Seed,
		LogTransform:       e.c.LogTransform,
		SelectionThreshold: e.c.SelectionThreshold,
		Log:                e.log,
	})
	if err != nil {
		return err
	}
	if err := poprf.SaveModel(model, filepath.Join(e.outDir, "model.gob")); err != nil {
		return err
	}
	return poprf.WriteDiagnostics(model, table, e.outDir)
}

// RunPredict loads model.gob and writes prediction.nc.
func RunPredict(ctx context.Context, cfg *viper.Viper) error {
	e, err := newStageEnv(ctx, cfg)
	if err != nil {
		return err
	}
	model, err := poprf.LoadModel(filepath.Join(e.outDir, "model.gob"))
	if err != nil {
		return err
	}
	_, err = poprf.Predict(ctx, model, e.master, e.covs,
		filepath.Join(e.outDir, "prediction.nc"), poprf.PredictOptions{
			Blocks: e.c.Blocks(),
			Log:    e.log,
		})
	return err
}

// RunRedistribute redistributes the census populations over
// prediction.nc, writing dasymetric.nc and normalized_census.nc, plus
// constrained variants when a constraints raster is configured.
func RunRedistribute(ctx context.Context, cfg *viper.Viper) error {
	e, err := newStageEnv(ctx, cfg)
	if err != nil {
		return err
	}
	pred, err := poprf.OpenRaster(filepath.Join(e.outDir, "prediction.nc"))
	if err != nil {
		return err
	}
	opts := poprf.RedistributeOptions{
		ZeroEligiblePolicy: e.c.ZeroEligiblePolicy,
		Blocks:             e.c.Blocks(),
		Log:                e.log,
	}
	if _, err := poprf.Redistribute(ctx, e.master, pred, nil, nil, e.census,
		filepath.Join(e.outDir, "dasymetric.nc"),
		filepath.Join(e.outDir, "normalized_census.nc"), opts); err != nil {
		return err
	}
	if e.c.ConstraintsFile != "" {
		constraint, err := poprf.OpenRaster(e.c.Abs(e.c.ConstraintsFile))
		if err != nil {
			return err
		}
		if _, err := poprf.Redistribute(ctx, e.master, pred, nil, constraint, e.census,
			filepath.Join(e.outDir, "dasymetric_constrained.nc"),
			filepath.Join(e.outDir, "normalized_census_constrained.nc"), opts); err != nil {
			return err
		}
	}
	return nil
}

// RunAgeSex disaggregates dasymetric.nc into per-group rasters.
func RunAgeSex(ctx context.Context, cfg *viper.Viper) error {
	e, err := newStageEnv(ctx, cfg)
	if err != nil {
		return err
	}
	if e.c.AgeSexFile == "" {
		return fmt.Errorf("poprf: config: AgeSexFile is required for age-sex disaggregation")
	}
	table, err := poprf.ReadAgeSexTable(e.c.Abs(e.c.AgeSexFile), e.c.CensusIDColumn)
	if err != nil {
		return err
	}
	dasy, err := poprf.OpenRaster(filepath.Join(e.outDir, "dasymetric.nc"))
	if err != nil {
		return err
	}
	_, err = poprf.DisaggregateAgeSex(ctx, dasy, e.master, table, e.census, e.outDir,
		poprf.AgeSexOptions{Blocks: e.c.Blocks(), Log: e.log})
	return err
}
