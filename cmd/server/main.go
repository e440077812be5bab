package main

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/newswallproject/newswall/internal/common"
	"github.com/newswallproject/newswall/internal/common/app"
	"github.com/newswallproject/newswall/internal/configuration"
	"github.com/newswallproject/newswall/internal/server"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.ServerConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/server", userSpecifiedConfig)

	ctx := app.CreateContextWithShutdown()
	if err := server.Serve(ctx, &config); err != nil {
		log.WithError(err).Fatal("Server exited with error")
	}
}
