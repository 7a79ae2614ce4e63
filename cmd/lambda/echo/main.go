package main

import (
	"github.com/LeVarneBV/AWSLambdaHelper/internal/handlers"
	"github.com/LeVarneBV/AWSLambdaHelper/pkg/lambda"
)

func main() {
	lambda.Start(func(rt *lambda.Runtime) lambda.HandlerFunc {
		return handlers.NewEchoHandler(rt.Store, rt.Config.Echo.TableName).Handle
	})
}
