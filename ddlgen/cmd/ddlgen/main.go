// ddlgen generates Go models from SQL CREATE TABLE statements or from a
// live database.
//
// Usage:
//
//	ddlgen -schema schema.sql [-out models_gen.go] [-pkg models] [-acronyms]
//	ddlgen -driver sqlite -dsn app.db [-out models_gen.go]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/CaliLuke/go-uow/config"
	"github.com/CaliLuke/go-uow/ddlgen"
	"github.com/CaliLuke/go-uow/driver"
)

const version = "0.1.0"

func main() {
	schemaFile := flag.String("schema", "", "Path to a SQL file of CREATE TABLE statements")
	driverName := flag.String("driver", "", "Reflect the schema from a live database (sqlite or postgres)")
	dsn := flag.String("dsn", "", "Data source name for -driver")
	outFile := flag.String("out", "", "Output Go file (default: stdout)")
	pkg := flag.String("pkg", "models", "Package name for generated code")
	modulePath := flag.String("orm", ddlgen.DefaultConfig().ModulePath, "Import path of the orm package")
	acronyms := flag.Bool("acronyms", true, "Apply Go naming conventions for acronyms (ID, URL, etc.)")
	relations := flag.Bool("relations", true, "Generate Ref and Collection fields from foreign keys")
	versionStr := flag.String("schema-version", "", "Schema version string (included in generated header)")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("ddlgen %s\n", version)
		os.Exit(0)
	}

	if (*schemaFile == "") == (*driverName == "") {
		fmt.Fprintln(os.Stderr, "error: exactly one of -schema or -driver is required")
		flag.Usage()
		os.Exit(1)
	}

	var (
		schema *ddlgen.ParsedSchema
		err    error
	)
	if *schemaFile != "" {
		schema, err = ddlgen.ParseSchemaFile(*schemaFile)
	} else {
		schema, err = reflectSchema(*driverName, *dsn)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	var w *os.File
	if *outFile != "" {
		w, err = os.Create(*outFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating output: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = w.Close() }()
	} else {
		w = os.Stdout
	}

	cfg := ddlgen.RenderConfig{
		PackageName:   *pkg,
		ModulePath:    *modulePath,
		UseAcronyms:   *acronyms,
		Relations:     *relations,
		SchemaVersion: *versionStr,
	}
	if err := ddlgen.Render(w, schema, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error rendering: %v\n", err)
		os.Exit(1)
	}
}

func reflectSchema(driverName, dsn string) (*ddlgen.ParsedSchema, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.Default()
	cfg.Driver = config.Driver(driverName)
	cfg.DSN = dsn
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := driver.OpenSQL(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()
	return store.Reflect(ctx)
}
