package main

import "github.com/HanTheDev/welfare-ai-gateway/internal/cli"

func main() {
	cli.Execute()
}
