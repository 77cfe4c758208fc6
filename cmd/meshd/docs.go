package main

// General API documentation for swaggo. Run `swag init -g cmd/meshd/docs.go`
// to generate docs and build with -tags=swagger to serve them.
//
// @title           meshd API
// @version         1.0
// @description     Asynchronous 3D mesh processing jobs (generation, retopology, UV unwrapping, rigging, segmentation) on GPUs with managed VRAM.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
