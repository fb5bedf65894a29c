package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/darasahq/darasa/core/catalog"
)

// syncCatalog replaces a stored course tree with the JSON export at path.
// The export is the content pipeline's output: a nested catalog.NewNode.
func (cli *commandLine) syncCatalog(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading course export")
	}

	var nn catalog.NewNode
	if err = json.Unmarshal(raw, &nn); err != nil {
		return errors.Wrap(err, "parsing course export")
	}
	if err = nn.Validate(cli.validate); err != nil {
		return err
	}

	tree, err := cli.catSvc.ReplaceTree(context.Background(), nn)
	if err != nil {
		return err
	}
	fmt.Printf("course %q synced (%s)\n", tree.Title, tree.ID)
	return nil
}
