package spec

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/collector/confmap"
	"go.opentelemetry.io/collector/confmap/provider/fileprovider"
	"go.opentelemetry.io/collector/confmap/provider/yamlprovider"
)

// Load decodes a YAML test-spec document from path into a TestSpec and
// validates it. An empty path reads the document from stdin instead,
// matching the original tool's "read the spec from stdin" behavior
// (isolationtester.c calls spec_yyparse() against stdin).
//
// Decoding goes through the same go.opentelemetry.io/collector/confmap
// machinery this codebase uses elsewhere to load collector pipeline
// configuration, repointed at the test-spec schema instead.
func Load(path string) (*TestSpec, error) {
	var conf *confmap.Conf
	var err error

	if path == "" {
		raw, readErr := io.ReadAll(os.Stdin)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read test spec from stdin: %w", readErr)
		}
		conf, err = retrieveYAML(string(raw))
	} else {
		conf, err = retrieveFile(path)
	}
	if err != nil {
		return nil, err
	}

	var t TestSpec
	if err := conf.Unmarshal(&t); err != nil {
		return nil, fmt.Errorf("failed to decode test spec: %w", err)
	}

	if err := Validate(&t); err != nil {
		return nil, err
	}

	return &t, nil
}

func retrieveFile(path string) (*confmap.Conf, error) {
	provider := fileprovider.NewFactory().Create(confmap.ProviderSettings{})
	defer provider.Shutdown(context.Background())

	retrieved, err := provider.Retrieve(context.Background(), "file:"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read test spec %s: %w", path, err)
	}
	return retrieved.AsConf()
}

func retrieveYAML(yaml string) (*confmap.Conf, error) {
	provider := yamlprovider.NewFactory().Create(confmap.ProviderSettings{})
	defer provider.Shutdown(context.Background())

	retrieved, err := provider.Retrieve(context.Background(), "yaml:"+yaml, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse test spec: %w", err)
	}
	return retrieved.AsConf()
}
