// Package cli реализует dispatchctl, инструмент оператора.
//
// CLI работает через HTTP API координатора и не импортирует
// внутренние пакеты системы.
//
// # Ключевые компоненты
//
// Client инкапсулирует HTTP-запросы, разбор ответов
// ({"data"}, {"data","total"}, {"error"}) и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	jobs, err := client.ListJobs(cli.ListJobsOpts{Status: "FAILED"})
//
// Output форматирует вывод: таблица (text/tabwriter) по умолчанию
// или JSON с флагом --json. Данные идут в stdout, сообщения в stderr,
// поэтому работает pipe: dispatchctl job list --json | jq .
//
// Команды:
//   - job: enqueue, list, show, requeue, report
//   - schedule: list, create, show, delete, enable, disable
//
// Каждая группа создаётся фабрикой (NewJobCmd, NewScheduleCmd),
// принимающей clientFn и outputFn: Client и Output создаются лениво,
// после разбора PersistentFlags.
package cli
