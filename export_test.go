package apiclient

// LoadConfigWith exposes loadConfig to tests so they can supply a lookuper.
var LoadConfigWith = loadConfig
