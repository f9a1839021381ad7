package main

import (
	"fmt"

	_ "github.com/omegamusic/go-common/cache"
	_ "github.com/omegamusic/go-common/configstore"
	_ "github.com/omegamusic/go-common/db"
	_ "github.com/omegamusic/go-common/env"
	_ "github.com/omegamusic/go-common/eventing"
	_ "github.com/omegamusic/go-common/logger"
	_ "github.com/omegamusic/go-common/resilience"
)

func main() {
	fmt.Println("Hi")
}
