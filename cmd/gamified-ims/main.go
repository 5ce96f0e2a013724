package main

import "github.com/Yuz-tech/gamified-ims/cmd/gamified-ims/cmd"

func main() {
	cmd.Execute()
}
