package main

import (
	"github.com/deploymenttheory/go-mdraid/cmd"
	_ "github.com/deploymenttheory/go-mdraid/internal/raid1"
)

func main() {
	cmd.Execute()
}
