package main

import "surveycoder/internal/app"

func main() {
	app.Main()
}
