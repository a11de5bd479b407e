package main

import "github.com/JakeFAU/render-cache/cmd"

func main() {
	cmd.Execute()
}
