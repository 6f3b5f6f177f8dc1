package main

import "github.com/Grd45bisa/neural-face-attendance/cmd"

func main() {
	cmd.Execute()
}
