package main

import "github.com/lu-zhengda/mailbroker/internal/cli"

func main() {
	cli.Execute()
}
