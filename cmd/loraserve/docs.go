package main

// General API documentation for swaggo. Run `swag init -g cmd/loraserve/docs.go`
// to regenerate the full document.
//
// @title           loraserve API
// @version         1.0
// @description     LoRA adapter inference with background retraining and hot swap.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
