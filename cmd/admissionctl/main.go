package main

import "admission-service/cmd/admissionctl/cmd"

func main() {
	cmd.Execute()
}
