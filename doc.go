// Package querycelery is a Celery compatible task queue application.
//
// An App is created with a name, configured from one or more ConfigSource
// values (literal Options, a FileSource, an EnvSource) and then run as a
// worker:
//
//	app, err := querycelery.Initialize("query", querycelery.Sources(
//		querycelery.FileSource("celeryconfig.yaml"),
//		querycelery.EnvSource{},
//	))
//	if err != nil {
//		return err
//	}
//	app.RegisterFunc("tasks.add", add)
//	return app.Run(ctx)
//
// Messages use Celery task protocol 2 so tasks can be sent by Celery
// clients and executed here, or sent with App.SendTask and executed by
// Celery workers. Brokers (amqp, redis, nats, memory), result backends
// (redis, sqlite, memory) and serializers (json, pickle, yaml) are selected
// by the configured URLs and names.
package querycelery
