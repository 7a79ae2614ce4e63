package config

import "strings"

// IsLambda detects if the process is running inside AWS Lambda
func IsLambda() bool {
	return GetEnv("AWS_LAMBDA_FUNCTION_NAME", "") != ""
}

// GetDeploymentMode returns the current deployment mode
func GetDeploymentMode() string {
	if IsLambda() {
		return "serverless"
	}
	return "local"
}

// ResolveFunctionName returns the Lambda function name, or local-<environment>
// when the process runs outside Lambda.
func ResolveFunctionName(lambdaName, environment string) string {
	if lambdaName != "" {
		return lambdaName
	}
	if environment == "" {
		environment = "local"
	}
	return "local-" + environment
}

// EnvironmentOf returns the second dash-delimited segment of a function name,
// e.g. "orders-prod-create" yields "prod".
func EnvironmentOf(functionName string) string {
	parts := strings.Split(functionName, "-")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
