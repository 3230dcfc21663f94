// Package variable приводит сырые входные значения шага к типам,
// объявленным в PropertyDescriptor.
//
// Включает:
//   - processor.go  — Registry: тип свойства → функция-процессор
//   - processors.go — встроенные процессоры (text, number, checkbox, ...)
//   - template.go   — подстановка {{ path }} из данных run (gjson пути)
//   - resolver.go   — полный проход: шаблоны → процессоры → Result
//
// Процессоры никогда не возвращают ошибку: некорректное значение
// превращается в маркер Invalid и передаётся дальше как данные.
package variable
