package main

import (
	"fmt"
	"github.com/dzfranklin/matsim2sqlite"
	"github.com/spf13/pflag"
	"os"
	"path"
	"strings"
)

func usageAndDie() {
	fmt.Println("Example usage:\n" +
		"    matsim2sqlite --import <output_experienced_plans.xml.gz> [--full-plans <output_plans.xml.gz>]\n" +
		"    matsim2sqlite --export <plans.db>\n" +
		"    matsim2sqlite --clip <plans.db> --clip-feature <feature_geojson.json>")
	os.Exit(1)
}

func main() {
	importPath := pflag.StringP("import", "i", "", "Import from a MATSim plans file")
	exportPath := pflag.StringP("export", "e", "", "Export to a zip of CSV files")
	clipPath := pflag.StringP("clip", "c", "", "Clip a database")
	primaryOptions := []*string{importPath, exportPath, clipPath}

	output := pflag.StringP("out", "o", "", "Path to write output to")
	fullPlansPath := pflag.String("full-plans", "", "If --import is specified fills in missing activities and coordinates from this full plans file")
	selectedOnly := pflag.Bool("selected-only", false, "Only import selected plans")
	batchSize := pflag.Int("batch-size", matsim2sqlite.DefaultBatchSize, "Activities per worker batch when filling in coordinates")
	forceMode := pflag.BoolP("force-valid", "f", false, "Whether to fix issues by deleting data during import")
	ignoreInvalidMode := pflag.Bool("ignore-invalid", false, "Ignore any issues during import")
	clipFeaturePath := pflag.String("clip-feature", "", "If --clip is specified clips to the GeoJSON feature in the file specified")

	pflag.Parse()

	primaryCount := 0
	for _, opt := range primaryOptions {
		if *opt != "" {
			primaryCount++
		}
	}
	if primaryCount > 1 {
		usageAndDie()
	}

	var err error
	if *importPath != "" {
		outputPath := outputPathOrDefault(*importPath, *output, ".db")
		opts := &matsim2sqlite.ImportOpts{
			ReadOpts: matsim2sqlite.ReadOpts{
				SelectedPlansOnly: *selectedOnly,
				FullPlansPath:     *fullPlansPath,
				BatchSize:         *batchSize,
			},
			ForceValid:    *forceMode,
			IgnoreInvalid: *ignoreInvalidMode,
		}
		_, err = matsim2sqlite.Import(*importPath, outputPath, opts)
	} else if *exportPath != "" {
		outputPath := outputPathOrDefault(*exportPath, *output, ".zip")
		opts := &matsim2sqlite.ExportOpts{}
		err = matsim2sqlite.Export(*exportPath, outputPath, opts)
	} else if *clipPath != "" {
		if *clipFeaturePath == "" {
			usageAndDie()
		}
		var feature []byte
		feature, err = os.ReadFile(*clipFeaturePath)
		if err != nil {
			panic(err)
		}
		featureName := trimFileExt(path.Base(*clipFeaturePath))

		outputPath := outputPathOrDefault(*clipPath, *output, fmt.Sprintf("_%s.db", featureName))
		err = matsim2sqlite.Clip(*clipPath, outputPath, string(feature))
	} else {
		usageAndDie()
	}

	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	} else {
		fmt.Println("All done")
	}
}

// outputPathOrDefault names the output after the input with its extensions (.xml.gz, .db, ...) replaced by newSuffix.
func outputPathOrDefault(inputPath string, outputPath string, newSuffix string) string {
	if outputPath != "" {
		return outputPath
	}
	inputPath = path.Clean(inputPath)
	base := path.Base(inputPath)
	for _, ext := range []string{".gz", ".lz4", ".xml", ".db"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base + newSuffix
}

func trimFileExt(name string) string {
	i := strings.LastIndex(name, ".")
	if i == -1 {
		return name
	} else {
		return name[:i]
	}
}
