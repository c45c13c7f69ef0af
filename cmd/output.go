package main

import "fmt"

const (
	colorGreen  = "\033[0;32m"
	colorYellow = "\033[1;33m"
	colorCyan   = "\033[0;36m"
	colorRed    = "\033[0;31m"
	colorBlue   = "\033[0;34m"
	colorBold   = "\033[1m"
	colorReset  = "\033[0m"
)

func printHeader(title string) {
	fmt.Printf("%s%s========================================%s\n", colorBold, colorCyan, colorReset)
	fmt.Printf("%s%s       %s%s\n", colorBold, colorCyan, title, colorReset)
	fmt.Printf("%s%s========================================%s\n", colorBold, colorCyan, colorReset)
	fmt.Println()
}

func printSuccess(msg string) {
	fmt.Printf("%s[OK]%s %s\n", colorGreen, colorReset, msg)
}

func printInfo(msg string) {
	fmt.Printf("%s[INFO]%s %s\n", colorBlue, colorReset, msg)
}

func printWarn(msg string) {
	fmt.Printf("%s[WARN]%s %s\n", colorYellow, colorReset, msg)
}

func printError(msg string) {
	fmt.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, msg)
}
